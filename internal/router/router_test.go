package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/docstore"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

type fixture struct {
	router   *Router
	broker   *pubsub.Broker
	bus      *eventbus.LocalBus
	docs     *docstore.MemoryStore
	registry *presence.MemoryRegistry
	store    *directory.MemoryStore
	dir      *directory.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger(t)
	broker := pubsub.NewBroker(log)
	t.Cleanup(broker.Close)
	bus := eventbus.NewLocalBus(0, log)
	docs := docstore.NewMemoryStore()
	registry := presence.NewMemoryRegistry(broker, log)
	store := directory.NewMemoryStore()
	dir := directory.NewService(store, nil, log)

	f := &fixture{
		broker:   broker,
		bus:      bus,
		docs:     docs,
		registry: registry,
		store:    store,
		dir:      dir,
	}
	f.router = New(broker, bus, docs, registry, dir, Config{}, log)
	return f
}

// seedAgent creates the directory row and returns the caller identity.
func (f *fixture) seedAgent(t *testing.T, name string) Caller {
	t.Helper()
	ctx := context.Background()
	agent := &directory.Agent{TenantID: "t-1", FleetID: "f-1", Name: name}
	if err := f.store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return Caller{AgentID: agent.AgentID, FleetID: "f-1", Name: name}
}

// connect adds a live presence entry for the caller.
func (f *fixture) connect(caller Caller, sessionID string) {
	f.registry.Track(&presence.Entry{
		SessionID: sessionID,
		AgentID:   caller.AgentID,
		FleetID:   caller.FleetID,
		Name:      caller.Name,
	})
}

func subscribe(t *testing.T, broker *pubsub.Broker, topic string) *pubsub.Subscriber {
	t.Helper()
	sub := broker.NewSubscriber(64)
	sub.Subscribe(topic)
	t.Cleanup(sub.Close)
	return sub
}

func recvFrame(t *testing.T, sub *pubsub.Subscriber) *wire.Frame {
	t.Helper()
	select {
	case d := <-sub.C():
		frame, err := wire.Decode(d.Data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func expectSilence(t *testing.T, sub *pubsub.Subscriber) {
	t.Helper()
	select {
	case d := <-sub.C():
		t.Fatalf("unexpected delivery on %s", d.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitReplay polls the local bus until the topic holds want records, so
// tests can assert on asynchronous publishes deterministically.
func waitReplay(t *testing.T, bus eventbus.Bus, topic string, want int) []*eventbus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := bus.Replay(context.Background(), topic, eventbus.ReplayOptions{Limit: want * 2})
		if err == nil && len(records) >= want {
			return records
		}
		if time.Now().After(deadline) {
			t.Fatalf("bus topic %s has %d records, want %d", topic, len(records), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcastFleetScope(t *testing.T) {
	f := newFixture(t)
	caller := f.seedAgent(t, "a1")
	sub := subscribe(t, f.broker, pubsub.FleetTopic("f-1"))

	evt, err := f.router.Broadcast(context.Background(), caller, &BroadcastRequest{
		Kind:        "discovery",
		Description: "found the index",
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if evt.EventID == "" || evt.Scope != ScopeFleet {
		t.Errorf("event = %+v", evt)
	}

	frame := recvFrame(t, sub)
	if frame.Event != wire.EventActivityBroadcast {
		t.Fatalf("event = %q", frame.Event)
	}
	var got ActivityEvent
	if err := frame.ParsePayload(&got); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if got.Kind != "discovery" || got.AgentID != caller.AgentID {
		t.Errorf("payload = %+v", got)
	}

	records := waitReplay(t, f.bus, "f-1.activity", 1)
	if records[0].PartitionKey != caller.AgentID {
		t.Errorf("partition key = %q", records[0].PartitionKey)
	}
}

func TestBroadcastTaggedScope(t *testing.T) {
	f := newFixture(t)
	caller := f.seedAgent(t, "a1")
	backend := subscribe(t, f.broker, pubsub.TagTopic("f-1", "backend"))
	frontend := subscribe(t, f.broker, pubsub.TagTopic("f-1", "frontend"))
	fleet := subscribe(t, f.broker, pubsub.FleetTopic("f-1"))

	_, err := f.router.Broadcast(context.Background(), caller, &BroadcastRequest{
		Kind:  "alert",
		Scope: ScopeTagged,
		Tags:  []string{"backend"},
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	recvFrame(t, backend)
	expectSilence(t, frontend)
	expectSilence(t, fleet)
}

func TestBroadcastDirectScope(t *testing.T) {
	f := newFixture(t)
	caller := f.seedAgent(t, "a1")
	target := f.seedAgent(t, "a2")
	sub := subscribe(t, f.broker, pubsub.AgentTopic("f-1", target.AgentID))

	_, err := f.router.Broadcast(context.Background(), caller, &BroadcastRequest{
		Kind:  "question",
		Scope: ScopeDirect,
		To:    target.AgentID,
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	recvFrame(t, sub)

	if _, err := f.router.Broadcast(context.Background(), caller, &BroadcastRequest{
		Kind:  "question",
		Scope: ScopeDirect,
	}); !errors.Is(err, ErrMissingTarget) {
		t.Errorf("direct without target err = %v", err)
	}
}

func TestBroadcastRejectsBadKindAndScope(t *testing.T) {
	f := newFixture(t)
	caller := f.seedAgent(t, "a1")

	if _, err := f.router.Broadcast(context.Background(), caller, &BroadcastRequest{
		Kind: "gossip",
	}); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("bad kind err = %v", err)
	}
	if _, err := f.router.Broadcast(context.Background(), caller, &BroadcastRequest{
		Kind:  "alert",
		Scope: "galaxy",
	}); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("bad scope err = %v", err)
	}
}

func TestActivityHistoryFilters(t *testing.T) {
	f := newFixture(t)
	caller := f.seedAgent(t, "a1")
	other := f.seedAgent(t, "a2")
	ctx := context.Background()

	for i, req := range []*BroadcastRequest{
		{Kind: "discovery", Tags: []string{"backend"}},
		{Kind: "alert", Tags: []string{"frontend"}},
		{Kind: "discovery", Tags: []string{"backend", "frontend"}},
	} {
		from := caller
		if i == 1 {
			from = other
		}
		if _, err := f.router.Broadcast(ctx, from, req); err != nil {
			t.Fatalf("Broadcast %d: %v", i, err)
		}
	}
	waitReplay(t, f.bus, "f-1.activity", 3)

	all, err := f.router.ActivityHistory(ctx, "f-1", &HistoryQuery{})
	if err != nil {
		t.Fatalf("ActivityHistory: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("history = %d events, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Error("history not in timestamp order")
		}
	}

	byKind, err := f.router.ActivityHistory(ctx, "f-1", &HistoryQuery{Kinds: []string{"discovery"}})
	if err != nil {
		t.Fatalf("ActivityHistory kinds: %v", err)
	}
	if len(byKind) != 2 {
		t.Errorf("discovery events = %d, want 2", len(byKind))
	}

	byAgent, err := f.router.ActivityHistory(ctx, "f-1", &HistoryQuery{Agents: []string{other.AgentID}})
	if err != nil {
		t.Fatalf("ActivityHistory agents: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].Kind != "alert" {
		t.Errorf("agent filter = %+v", byAgent)
	}

	byTag, err := f.router.ActivityHistory(ctx, "f-1", &HistoryQuery{Tags: []string{"frontend"}})
	if err != nil {
		t.Fatalf("ActivityHistory tags: %v", err)
	}
	if len(byTag) != 2 {
		t.Errorf("frontend-tagged events = %d, want 2", len(byTag))
	}

	limited, err := f.router.ActivityHistory(ctx, "f-1", &HistoryQuery{Limit: 2})
	if err != nil {
		t.Fatalf("ActivityHistory limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited history = %d events, want 2", len(limited))
	}
	if limited[len(limited)-1].Kind != "discovery" {
		t.Errorf("limit did not keep the newest events")
	}
}

func TestActivityHistoryReplayFailure(t *testing.T) {
	f := newFixture(t)
	f.router.bus = failingBus{}
	if _, err := f.router.ActivityHistory(context.Background(), "f-1", &HistoryQuery{}); !errors.Is(err, ErrReplayFailed) {
		t.Errorf("err = %v, want ErrReplayFailed", err)
	}
}

type failingBus struct{}

func (failingBus) Publish(context.Context, string, *eventbus.Event) error {
	return eventbus.ErrUnavailable
}

func (failingBus) Subscribe(string, eventbus.Handler) error { return nil }

func (failingBus) Replay(context.Context, string, eventbus.ReplayOptions) ([]*eventbus.Event, error) {
	return nil, eventbus.ErrUnavailable
}

func (failingBus) Close() error { return nil }

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
