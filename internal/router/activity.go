package router

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/pkg/wire"
)

// Delivery scopes for activity broadcasts.
const (
	ScopeFleet  = "fleet"
	ScopeTagged = "tagged"
	ScopeDirect = "direct"
)

// activityKinds is the closed set of accepted activity kinds.
var activityKinds = map[string]struct{}{
	"task_started":   {},
	"task_progress":  {},
	"task_completed": {},
	"task_failed":    {},
	"discovery":      {},
	"question":       {},
	"alert":          {},
	"custom":         {},
}

// ValidKind reports whether kind is in the accepted set.
func ValidKind(kind string) bool {
	_, ok := activityKinds[kind]
	return ok
}

// ActivityEvent is one broadcast record as it travels on the fleet topics
// and the bus.
type ActivityEvent struct {
	EventID     string          `json:"event_id"`
	FleetID     string          `json:"fleet_id"`
	AgentID     string          `json:"agent_id"`
	AgentName   string          `json:"agent_name,omitempty"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Scope       string          `json:"scope"`
	To          string          `json:"to,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// BroadcastRequest is the payload of activity:broadcast.
type BroadcastRequest struct {
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Scope       string          `json:"scope,omitempty"`
	To          string          `json:"to,omitempty"`
}

// Broadcast validates and fans an activity event out to its scope, then
// hands it to the bus for history. An empty scope means fleet-wide.
func (r *Router) Broadcast(ctx context.Context, caller Caller, req *BroadcastRequest) (*ActivityEvent, error) {
	if !ValidKind(req.Kind) {
		return nil, ErrInvalidKind
	}
	scope := req.Scope
	if scope == "" {
		scope = ScopeFleet
	}
	switch scope {
	case ScopeFleet, ScopeTagged:
	case ScopeDirect:
		if req.To == "" {
			return nil, ErrMissingTarget
		}
	default:
		return nil, ErrInvalidScope
	}

	evt := &ActivityEvent{
		EventID:     ident.NewEventID(),
		FleetID:     caller.FleetID,
		AgentID:     caller.AgentID,
		AgentName:   caller.Name,
		Kind:        req.Kind,
		Description: req.Description,
		Tags:        req.Tags,
		Data:        req.Data,
		Scope:       scope,
		To:          req.To,
		Timestamp:   time.Now().UTC(),
	}

	frame, err := wire.NewEvent(wire.EventActivityBroadcast, evt)
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(frame)
	if err != nil {
		return nil, err
	}

	switch scope {
	case ScopeFleet:
		r.broker.Publish(pubsub.FleetTopic(caller.FleetID), data)
	case ScopeTagged:
		for _, tag := range req.Tags {
			r.broker.Publish(pubsub.TagTopic(caller.FleetID, tag), data)
		}
	case ScopeDirect:
		r.broker.Publish(pubsub.AgentTopic(caller.FleetID, req.To), data)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	r.publishBus(eventbus.Topic(caller.FleetID, eventbus.KindActivity), &eventbus.Event{
		ID:           evt.EventID,
		Kind:         eventbus.KindActivity,
		PartitionKey: caller.AgentID,
		Timestamp:    evt.Timestamp,
		Data:         payload,
	})

	r.directory.CountMessages(ctx, caller.AgentID, 1)
	r.logger.Debug("activity broadcast",
		zap.String("fleet_id", caller.FleetID),
		zap.String("agent_id", caller.AgentID),
		zap.String("kind", req.Kind),
		zap.String("scope", scope))
	return evt, nil
}

// HistoryQuery bounds an activity:history request.
type HistoryQuery struct {
	Limit  int       `json:"limit,omitempty"`
	Kinds  []string  `json:"kinds,omitempty"`
	From   time.Time `json:"from,omitempty"`
	To     time.Time `json:"to,omitempty"`
	Agents []string  `json:"agents,omitempty"`
	Tags   []string  `json:"tags,omitempty"`
}

// ActivityHistory replays the fleet's activity log and filters it down to
// the query. The bus fetch is inflated tenfold so local filtering still
// fills the requested page.
func (r *Router) ActivityHistory(ctx context.Context, fleetID string, q *HistoryQuery) ([]*ActivityEvent, error) {
	limit := r.historyLimit(q.Limit)

	records, err := r.bus.Replay(ctx, eventbus.Topic(fleetID, eventbus.KindActivity), eventbus.ReplayOptions{
		Limit:  limit * 10,
		FromTS: q.From,
	})
	if err != nil {
		r.logger.Warn("activity replay failed",
			zap.String("fleet_id", fleetID),
			zap.Error(err))
		return nil, ErrReplayFailed
	}

	events := make([]*ActivityEvent, 0, len(records))
	for _, rec := range records {
		var evt ActivityEvent
		if err := json.Unmarshal(rec.Data, &evt); err != nil {
			continue
		}
		if !matchesHistory(&evt, q) {
			continue
		}
		events = append(events, &evt)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func matchesHistory(evt *ActivityEvent, q *HistoryQuery) bool {
	if !q.From.IsZero() && evt.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && evt.Timestamp.After(q.To) {
		return false
	}
	if len(q.Kinds) > 0 && !containsString(q.Kinds, evt.Kind) {
		return false
	}
	if len(q.Agents) > 0 && !containsString(q.Agents, evt.AgentID) {
		return false
	}
	if len(q.Tags) > 0 && !intersects(q.Tags, evt.Tags) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
