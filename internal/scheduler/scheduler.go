// Package scheduler brokers ephemeral tasks between fleet agents: it keeps
// the task rows, routes pending work to capable agents, and enforces TTLs
// from a periodic tick.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/internal/router"
	"github.com/ringforge/ringforge/pkg/wire"
)

// Defaults for Config fields left zero.
const (
	DefaultTick          = time.Second
	DefaultTaskTTL       = 30 * time.Second
	MaxTaskTTL           = 300 * time.Second
	DefaultCleanupCutoff = 300 * time.Second
)

const busPublishTimeout = 10 * time.Second

// Config tunes the scheduler.
type Config struct {
	Tick          time.Duration
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	CleanupCutoff time.Duration
	Region        string
	Clock         clockwork.Clock
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Tick:          DefaultTick,
		DefaultTTL:    DefaultTaskTTL,
		MaxTTL:        MaxTaskTTL,
		CleanupCutoff: DefaultCleanupCutoff,
		Region:        localRegion,
	}
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTaskTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = MaxTaskTTL
	}
	if c.CleanupCutoff <= 0 {
		c.CleanupCutoff = DefaultCleanupCutoff
	}
	if c.Region == "" {
		c.Region = localRegion
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Service runs the task lifecycle: submission, capability routing, result
// ingest, and the tick that assigns, times out, and purges.
type Service struct {
	store    *Store
	broker   *pubsub.Broker
	bus      eventbus.Bus
	router   *router.Router
	presence presence.Registry
	cfg      Config
	clock    clockwork.Clock
	logger   *logger.Logger
}

// New builds the scheduler service with its own task store.
func New(broker *pubsub.Broker, bus eventbus.Bus, rtr *router.Router, reg presence.Registry, cfg Config, log *logger.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		store:    NewStore(cfg.Clock),
		broker:   broker,
		bus:      bus,
		router:   rtr,
		presence: reg,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   log.Named("scheduler"),
	}
}

// Store exposes the task store for inspection.
func (s *Service) Store() *Store {
	return s.store
}

// Start runs the tick loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.tick(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started",
		zap.Duration("tick", s.cfg.Tick),
		zap.String("region", s.cfg.Region))
}

// SubmitRequest is the payload of task:submit.
type SubmitRequest struct {
	Type          string   `json:"type"`
	Prompt        string   `json:"prompt,omitempty"`
	Capabilities  []string `json:"capabilities_required,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	TTLMs         int      `json:"ttl_ms,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// Submit creates a pending task. Assignment happens on the next tick.
func (s *Service) Submit(ctx context.Context, caller router.Caller, req *SubmitRequest) (*Task, error) {
	t := s.store.Create(&Task{
		FleetID:       caller.FleetID,
		RequesterID:   caller.AgentID,
		Type:          req.Type,
		Prompt:        req.Prompt,
		Capabilities:  req.Capabilities,
		Priority:      normalizePriority(req.Priority),
		TTLMs:         s.clampTTL(req.TTLMs),
		CorrelationID: req.CorrelationID,
	})
	s.publishTaskRecord(t, t.RequesterID)
	s.logger.Debug("task submitted",
		zap.String("task_id", t.TaskID),
		zap.String("fleet_id", t.FleetID),
		zap.String("type", t.Type),
		zap.Strings("capabilities", t.Capabilities))
	return t, nil
}

// ReportRequest is the payload of task:result. A report with an error fails
// the task, one with a result completes it, and one with neither marks the
// task running.
type ReportRequest struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Report ingests a task:result from the assigned agent. Terminal reports
// push the result envelope to the requester's topic.
func (s *Service) Report(ctx context.Context, caller router.Caller, req *ReportRequest) (*Task, error) {
	current, err := s.store.Get(req.TaskID)
	if err != nil {
		return nil, err
	}
	if current.FleetID != caller.FleetID {
		return nil, ErrNotFound
	}
	if current.AssignedTo == "" {
		return nil, ErrInvalidStatus
	}
	if current.AssignedTo != caller.AgentID {
		return nil, ErrNotAssignee
	}

	switch {
	case req.Error != "":
		t, err := s.store.Fail(req.TaskID, req.Error)
		if err != nil {
			return nil, err
		}
		s.pushResult(t, wire.EventTaskResult)
		s.emitTaskActivity(ctx, t, caller, "task_failed", req.Error)
		s.publishTaskRecord(t, caller.AgentID)
		return t, nil
	case hasResult(req.Result):
		t, err := s.store.Complete(req.TaskID, req.Result)
		if err != nil {
			return nil, err
		}
		s.pushResult(t, wire.EventTaskResult)
		s.emitTaskActivity(ctx, t, caller, "task_completed", "")
		s.publishTaskRecord(t, caller.AgentID)
		return t, nil
	default:
		t, err := s.store.Start(req.TaskID)
		if err != nil {
			// Repeated progress acks are harmless.
			if errors.Is(err, ErrInvalidStatus) && current.Status == StatusRunning {
				return current, nil
			}
			return nil, err
		}
		s.publishTaskRecord(t, caller.AgentID)
		return t, nil
	}
}

// Get returns one task visible to the caller's fleet.
func (s *Service) Get(ctx context.Context, caller router.Caller, taskID string) (*Task, error) {
	t, err := s.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.FleetID != caller.FleetID {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns the caller's fleet tasks ordered by creation time.
func (s *Service) List(ctx context.Context, caller router.Caller) []*Task {
	return s.store.ListFleet(caller.FleetID)
}

// tick runs one scheduler pass: route pending work, time out overdue
// tasks, purge old terminal rows.
func (s *Service) tick(ctx context.Context) {
	now := s.clock.Now().UTC()
	s.assignPending(ctx)
	s.expireOverdue(ctx, now)
	if purged := s.store.Purge(now.Add(-s.cfg.CleanupCutoff)); purged > 0 {
		s.logger.Debug("purged terminal tasks", zap.Int("count", purged))
	}
}

func (s *Service) assignPending(ctx context.Context) {
	for fleetID, tasks := range s.store.PendingByFleet() {
		roster := s.presence.List(fleetID)
		for _, t := range tasks {
			candidate, err := route(t, roster, s.cfg.Region)
			if err != nil {
				// No capable agent right now; the task stays pending and
				// is retried next tick until its TTL runs out.
				continue
			}
			assigned, err := s.store.Assign(t.TaskID, candidate.AgentID)
			if err != nil {
				continue
			}
			s.pushAssignment(assigned)
			s.emitTaskActivity(ctx, assigned, router.Caller{
				AgentID: candidate.AgentID,
				FleetID: fleetID,
				Name:    candidate.Name,
			}, "task_started", "")
			s.publishTaskRecord(assigned, candidate.AgentID)
			s.logger.Info("task assigned",
				zap.String("task_id", assigned.TaskID),
				zap.String("fleet_id", fleetID),
				zap.String("agent_id", candidate.AgentID))
		}
	}
}

func (s *Service) expireOverdue(ctx context.Context, now time.Time) {
	for _, t := range s.store.Overdue(now) {
		timedOut, err := s.store.Timeout(t.TaskID)
		if err != nil {
			continue
		}
		s.pushResult(timedOut, wire.EventTaskTimeout)
		actor := timedOut.AssignedTo
		if actor == "" {
			actor = timedOut.RequesterID
		}
		s.emitTaskActivity(ctx, timedOut, router.Caller{
			AgentID: actor,
			FleetID: timedOut.FleetID,
		}, "task_failed", timedOut.Error)
		s.publishTaskRecord(timedOut, actor)
		s.logger.Warn("task timed out",
			zap.String("task_id", timedOut.TaskID),
			zap.String("fleet_id", timedOut.FleetID),
			zap.Int("ttl_ms", timedOut.TTLMs))
	}
}

// pushAssignment delivers the task to the chosen agent's topic.
func (s *Service) pushAssignment(t *Task) {
	frame, err := wire.NewEvent(wire.EventTaskAssigned, t)
	if err != nil {
		s.logger.Error("encode assignment", zap.String("task_id", t.TaskID), zap.Error(err))
		return
	}
	data, err := wire.Encode(frame)
	if err != nil {
		s.logger.Error("encode assignment frame", zap.String("task_id", t.TaskID), zap.Error(err))
		return
	}
	s.broker.Publish(pubsub.AgentTopic(t.FleetID, t.AssignedTo), data)
}

// pushResult delivers a result envelope to the requester's topic.
func (s *Service) pushResult(t *Task, event string) {
	env := &TaskResult{
		TaskID:        t.TaskID,
		Status:        t.Status,
		AssignedTo:    t.AssignedTo,
		Result:        t.Result,
		Error:         t.Error,
		CorrelationID: t.CorrelationID,
		Timestamp:     s.clock.Now().UTC(),
	}
	frame, err := wire.NewEvent(event, env)
	if err != nil {
		s.logger.Error("encode result", zap.String("task_id", t.TaskID), zap.Error(err))
		return
	}
	data, err := wire.Encode(frame)
	if err != nil {
		s.logger.Error("encode result frame", zap.String("task_id", t.TaskID), zap.Error(err))
		return
	}
	s.broker.Publish(pubsub.AgentTopic(t.FleetID, t.RequesterID), data)
}

// emitTaskActivity mirrors a lifecycle change into the activity stream so
// it shows up in fleet feeds and activity:history.
func (s *Service) emitTaskActivity(ctx context.Context, t *Task, actor router.Caller, kind, detail string) {
	data, err := json.Marshal(map[string]any{
		"task_id":      t.TaskID,
		"type":         t.Type,
		"status":       t.Status,
		"requester_id": t.RequesterID,
	})
	if err != nil {
		return
	}
	if _, err := s.router.Broadcast(ctx, actor, &router.BroadcastRequest{
		Kind:        kind,
		Description: detail,
		Data:        data,
	}); err != nil {
		s.logger.Warn("task activity emit failed",
			zap.String("task_id", t.TaskID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// publishTaskRecord appends the lifecycle change to the fleet's task log.
func (s *Service) publishTaskRecord(t *Task, partitionKey string) {
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	evt := &eventbus.Event{
		ID:           ident.NewEventID(),
		Kind:         eventbus.KindTasks,
		PartitionKey: partitionKey,
		Timestamp:    s.clock.Now().UTC(),
		Data:         payload,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
		defer cancel()
		if err := s.bus.Publish(ctx, eventbus.Topic(t.FleetID, eventbus.KindTasks), evt); err != nil {
			s.logger.Warn("task record publish failed",
				zap.String("task_id", t.TaskID),
				zap.Error(err))
		}
	}()
}

// clampTTL bounds ttl_ms to its valid range; zero means the default.
func (s *Service) clampTTL(ttlMs int) int {
	if ttlMs <= 0 {
		return int(s.cfg.DefaultTTL / time.Millisecond)
	}
	if max := int(s.cfg.MaxTTL / time.Millisecond); ttlMs > max {
		return max
	}
	return ttlMs
}

// hasResult distinguishes a completion report from a bare progress ack.
func hasResult(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
