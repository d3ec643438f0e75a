package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ringforge/ringforge/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func mkEvent(id, kind string, ts time.Time) *Event {
	return &Event{ID: id, Kind: kind, Timestamp: ts}
}

func TestLocalReplayReturnsTail(t *testing.T) {
	b := NewLocalBus(100, testLogger(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		evt := mkEvent(fmt.Sprintf("evt_%02d", i), KindActivity, base.Add(time.Duration(i)*time.Second))
		if err := b.Publish(ctx, "f1.activity", evt); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	events, err := b.Replay(ctx, "f1.activity", ReplayOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for i, want := range []string{"evt_07", "evt_08", "evt_09"} {
		if events[i].ID != want {
			t.Errorf("events[%d].ID = %s, want %s", i, events[i].ID, want)
		}
	}
}

func TestLocalEvictsOldestAtCap(t *testing.T) {
	b := NewLocalBus(5, testLogger(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		evt := mkEvent(fmt.Sprintf("evt_%02d", i), KindActivity, base.Add(time.Duration(i)*time.Second))
		_ = b.Publish(ctx, "f1.activity", evt)
	}

	if depth := b.TopicDepth("f1.activity"); depth != 5 {
		t.Fatalf("depth = %d, want 5", depth)
	}

	events, err := b.Replay(ctx, "f1.activity", ReplayOptions{Limit: 100})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if events[0].ID != "evt_03" {
		t.Errorf("oldest retained = %s, want evt_03", events[0].ID)
	}
}

func TestLocalEvictionHonorsTimestampOverArrival(t *testing.T) {
	b := NewLocalBus(2, testLogger(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Arrives last but timestamped earliest, so it is the eviction victim.
	_ = b.Publish(ctx, "f1.activity", mkEvent("evt_b", KindActivity, base.Add(2*time.Second)))
	_ = b.Publish(ctx, "f1.activity", mkEvent("evt_c", KindActivity, base.Add(3*time.Second)))
	_ = b.Publish(ctx, "f1.activity", mkEvent("evt_a", KindActivity, base.Add(1*time.Second)))

	events, err := b.Replay(ctx, "f1.activity", ReplayOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].ID != "evt_b" || events[1].ID != "evt_c" {
		t.Errorf("retained = [%s %s], want [evt_b evt_c]", events[0].ID, events[1].ID)
	}
}

func TestLocalReplayFilters(t *testing.T) {
	b := NewLocalBus(100, testLogger(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = b.Publish(ctx, "f1.activity", mkEvent("evt_1", "task_started", base))
	_ = b.Publish(ctx, "f1.activity", mkEvent("evt_2", "discovery", base.Add(time.Second)))
	_ = b.Publish(ctx, "f1.activity", mkEvent("evt_3", "task_started", base.Add(2*time.Second)))

	events, err := b.Replay(ctx, "f1.activity", ReplayOptions{
		Limit: 10,
		Kinds: []string{"task_started"},
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("kind filter: len = %d, want 2", len(events))
	}

	events, err = b.Replay(ctx, "f1.activity", ReplayOptions{
		Limit:  10,
		FromTS: base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 || events[0].ID != "evt_2" {
		t.Errorf("from_ts filter returned %d events starting %s", len(events), events[0].ID)
	}
}

func TestLocalReplayEmptyTopic(t *testing.T) {
	b := NewLocalBus(100, testLogger(t))

	events, err := b.Replay(context.Background(), "f9.activity", ReplayOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len = %d, want 0", len(events))
	}
}

func TestLocalClosedRejectsPublish(t *testing.T) {
	b := NewLocalBus(100, testLogger(t))
	_ = b.Close()

	err := b.Publish(context.Background(), "f1.activity", mkEvent("evt_x", KindActivity, time.Now()))
	if err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
