// Package eventbus provides the durable, replayable event log behind the
// hub's activity pipeline. Logical topics are "{fleet_id}.{kind}" with
// kind in {activity, memory, direct, tasks, telemetry, audit}. Live fanout
// to connected sessions is the pub/sub broker's job; the bus is the
// durability and history path.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Bus errors surfaced to callers. Publish failures are best-effort from the
// router's point of view: logged, counted, never fatal to the action.
var (
	ErrBackpressure = errors.New("event bus backpressure: too many in-flight publishes")
	ErrUnavailable  = errors.New("event bus unavailable")
	ErrTimeout      = errors.New("event bus operation timed out")
	ErrClosed       = errors.New("event bus is closed")
)

// Event is one append-only record on a logical topic.
type Event struct {
	ID           string          `json:"event_id"`
	Kind         string          `json:"kind"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Handler consumes live events from Subscribe.
type Handler func(ctx context.Context, evt *Event)

// ReplayOptions bound a Replay call.
type ReplayOptions struct {
	Limit  int
	Kinds  []string
	FromTS time.Time
}

// Bus is the pluggable event-log contract. Implementations: LocalBus
// (bounded in-process log) and KafkaBus (long-haul streaming).
type Bus interface {
	Publish(ctx context.Context, topic string, evt *Event) error
	Subscribe(topic string, handler Handler) error
	Replay(ctx context.Context, topic string, opts ReplayOptions) ([]*Event, error)
	Close() error
}

// Event kinds.
const (
	KindActivity  = "activity"
	KindMemory    = "memory"
	KindDirect    = "direct"
	KindTasks     = "tasks"
	KindTelemetry = "telemetry"
	KindAudit     = "audit"
)

// Topic builds the logical topic for a fleet and kind. The reserved fleet
// "system" carries hub-level telemetry and audit records.
func Topic(fleetID, kind string) string {
	return fmt.Sprintf("%s.%s", fleetID, kind)
}

// encodeEvent and decodeEvent fix the byte representation shared by the
// streaming backend and any external consumer.
func encodeEvent(evt *Event) ([]byte, error) {
	return json.Marshal(evt)
}

func decodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// matchesReplay applies the backend-independent replay filters.
func matchesReplay(evt *Event, opts ReplayOptions) bool {
	if !opts.FromTS.IsZero() && evt.Timestamp.Before(opts.FromTS) {
		return false
	}
	if len(opts.Kinds) > 0 {
		ok := false
		for _, k := range opts.Kinds {
			if evt.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
