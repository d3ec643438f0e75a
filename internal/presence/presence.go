// Package presence tracks which agents are attached to which fleets and
// broadcasts roster diffs to the fleet topic.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/metrics"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/pkg/wire"
)

// State is an agent's self-reported availability.
type State string

const (
	StateOnline  State = "online"
	StateBusy    State = "busy"
	StateAway    State = "away"
	StateOffline State = "offline"
)

// ValidState reports whether s is a member of the state enum.
func ValidState(s State) bool {
	switch s {
	case StateOnline, StateBusy, StateAway, StateOffline:
		return true
	}
	return false
}

var (
	// ErrInvalidState rejects a presence update outside the state enum.
	ErrInvalidState = errors.New("presence: state is not one of online, busy, away, offline")
	// ErrNotTracked means the session has no presence entry.
	ErrNotTracked = errors.New("presence: session is not tracked")
)

// Entry is one living attachment of an agent to a fleet. An agent with
// several sockets has several entries; the roster surfaces all of them.
type Entry struct {
	SessionID    string         `json:"session_id"`
	AgentID      string         `json:"agent_id"`
	FleetID      string         `json:"fleet_id"`
	Name         string         `json:"name,omitempty"`
	Framework    string         `json:"framework,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	State        State          `json:"state"`
	CurrentTask  string         `json:"current_task,omitempty"`
	Load         float64        `json:"load"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ConnectedAt  time.Time      `json:"connected_at"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (e *Entry) Clone() *Entry {
	out := *e
	if e.Capabilities != nil {
		out.Capabilities = append([]string(nil), e.Capabilities...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Patch carries the permitted fields of a presence:update. Nil means the
// field was absent and keeps its value.
type Patch struct {
	State    *string        `json:"state,omitempty"`
	Task     *string        `json:"task,omitempty"`
	Load     *float64       `json:"load,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Registry is the roster contract. The hub runs the in-memory single-node
// implementation; a clustered deployment can substitute a replicated one
// without touching callers.
type Registry interface {
	Track(entry *Entry)
	Update(sessionID string, patch *Patch) (*Entry, error)
	Untrack(sessionID string) (*Entry, bool)
	List(fleetID string) []*Entry
	Online(fleetID, agentID string) bool
	Count() int
}

type sessionRef struct {
	fleetID string
	agentID string
}

// MemoryRegistry keeps the roster in process and publishes diffs to the
// fleet topic through the broker.
type MemoryRegistry struct {
	mu       sync.RWMutex
	fleets   map[string]map[string][]*Entry
	sessions map[string]sessionRef

	broker *pubsub.Broker
	logger *logger.Logger
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry publishing diffs on broker.
func NewMemoryRegistry(broker *pubsub.Broker, log *logger.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		fleets:   make(map[string]map[string][]*Entry),
		sessions: make(map[string]sessionRef),
		broker:   broker,
		logger:   log.Named("presence"),
	}
}

// Track appends the entry to its fleet roster and broadcasts
// presence:joined. A zero state defaults to online.
func (r *MemoryRegistry) Track(entry *Entry) {
	if entry.State == "" {
		entry.State = StateOnline
	}
	entry.Load = clampLoad(entry.Load)
	if entry.ConnectedAt.IsZero() {
		entry.ConnectedAt = time.Now().UTC()
	}

	r.mu.Lock()
	agents, ok := r.fleets[entry.FleetID]
	if !ok {
		agents = make(map[string][]*Entry)
		r.fleets[entry.FleetID] = agents
	}
	agents[entry.AgentID] = append(agents[entry.AgentID], entry.Clone())
	r.sessions[entry.SessionID] = sessionRef{fleetID: entry.FleetID, agentID: entry.AgentID}
	r.mu.Unlock()

	metrics.PresenceEntries.Inc()
	r.logger.Debug("agent joined fleet",
		zap.String("fleet_id", entry.FleetID),
		zap.String("agent_id", entry.AgentID))

	r.broadcast(entry.FleetID, wire.EventPresenceJoined, map[string]any{
		"agent":     entry.Clone(),
		"timestamp": wire.Timestamp(time.Now()),
	})
}

// Update merges the patch into the session's entry and broadcasts
// presence:state_changed with the resulting snapshot.
func (r *MemoryRegistry) Update(sessionID string, patch *Patch) (*Entry, error) {
	if patch.State != nil && !ValidState(State(*patch.State)) {
		return nil, ErrInvalidState
	}

	r.mu.Lock()
	entry := r.findLocked(sessionID)
	if entry == nil {
		r.mu.Unlock()
		return nil, ErrNotTracked
	}
	if patch.State != nil {
		entry.State = State(*patch.State)
	}
	if patch.Task != nil {
		entry.CurrentTask = *patch.Task
	}
	if patch.Load != nil {
		entry.Load = clampLoad(*patch.Load)
	}
	if patch.Metadata != nil {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			entry.Metadata[k] = v
		}
	}
	snapshot := entry.Clone()
	r.mu.Unlock()

	r.broadcast(snapshot.FleetID, wire.EventPresenceStateChanged, map[string]any{
		"agent":     snapshot,
		"timestamp": wire.Timestamp(time.Now()),
	})
	return snapshot, nil
}

// Untrack removes the session's entry and broadcasts presence:left. The
// second return is false when the session was never tracked.
func (r *MemoryRegistry) Untrack(sessionID string) (*Entry, bool) {
	r.mu.Lock()
	ref, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessions, sessionID)

	var removed *Entry
	remaining := 0
	if agents, ok := r.fleets[ref.fleetID]; ok {
		entries := agents[ref.agentID]
		for i, e := range entries {
			if e.SessionID == sessionID {
				removed = e
				entries = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		remaining = len(entries)
		if remaining == 0 {
			delete(agents, ref.agentID)
			if len(agents) == 0 {
				delete(r.fleets, ref.fleetID)
			}
		} else {
			agents[ref.agentID] = entries
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return nil, false
	}
	metrics.PresenceEntries.Dec()
	r.logger.Debug("agent left fleet",
		zap.String("fleet_id", ref.fleetID),
		zap.String("agent_id", ref.agentID),
		zap.Int("remaining_sessions", remaining))

	r.broadcast(ref.fleetID, wire.EventPresenceLeft, map[string]any{
		"agent_id":           removed.AgentID,
		"name":               removed.Name,
		"remaining_sessions": remaining,
		"timestamp":          wire.Timestamp(time.Now()),
	})
	return removed, true
}

// List returns a snapshot of the fleet roster ordered by connection time.
func (r *MemoryRegistry) List(fleetID string) []*Entry {
	r.mu.RLock()
	agents := r.fleets[fleetID]
	out := make([]*Entry, 0, len(agents))
	for _, entries := range agents {
		for _, e := range entries {
			out = append(out, e.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Online reports whether the agent has at least one live entry in the fleet.
func (r *MemoryRegistry) Online(fleetID, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents, ok := r.fleets[fleetID]
	if !ok {
		return false
	}
	return len(agents[agentID]) > 0
}

// Count returns the number of entries across all fleets.
func (r *MemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, agents := range r.fleets {
		for _, entries := range agents {
			n += len(entries)
		}
	}
	return n
}

// findLocked returns the live entry for a session. Callers hold r.mu.
func (r *MemoryRegistry) findLocked(sessionID string) *Entry {
	ref, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	for _, e := range r.fleets[ref.fleetID][ref.agentID] {
		if e.SessionID == sessionID {
			return e
		}
	}
	return nil
}

func (r *MemoryRegistry) broadcast(fleetID, event string, payload map[string]any) {
	frame, err := wire.NewEvent(event, payload)
	if err != nil {
		r.logger.Error("encode presence event", zap.String("event", event), zap.Error(err))
		return
	}
	data, err := wire.Encode(frame)
	if err != nil {
		r.logger.Error("encode presence frame", zap.String("event", event), zap.Error(err))
		return
	}
	r.broker.Publish(pubsub.FleetTopic(fleetID), data)
}

func clampLoad(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
