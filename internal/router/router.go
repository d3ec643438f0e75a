// Package router moves activity, direct messages, and shared memory between
// agents: live fanout through the pub/sub broker, durability through the
// event bus, offline direct messages and memory through the document store.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/docstore"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/pubsub"
)

var (
	// ErrInvalidKind rejects an activity kind outside the closed set.
	ErrInvalidKind = errors.New("router: invalid activity kind")
	// ErrInvalidScope rejects a delivery scope outside fleet/tagged/direct
	// or a memory scope outside fleet/squad.
	ErrInvalidScope = errors.New("router: invalid scope")
	// ErrMissingTarget rejects a direct-scope request without a target.
	ErrMissingTarget = errors.New("router: direct scope requires a target")
	// ErrTargetNotFound means the direct target is neither in the
	// directory for this fleet nor in the live roster.
	ErrTargetNotFound = errors.New("router: target not in fleet")
	// ErrNoSquad rejects squad-scoped memory from an agent without a squad.
	ErrNoSquad = errors.New("router: agent belongs to no squad")
	// ErrMissingKey rejects a memory operation without a key.
	ErrMissingKey = errors.New("router: memory key required")
	// ErrReplayFailed means the event-bus replay behind a history request
	// failed.
	ErrReplayFailed = errors.New("router: history replay failed")
)

// Config tunes queue TTLs and history bounds.
type Config struct {
	DMQueueTTL         time.Duration
	DMQueueTTLPriority time.Duration
	HistoryMaxLimit    int
	HistoryLimit       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DMQueueTTL:         300 * time.Second,
		DMQueueTTLPriority: 86400 * time.Second,
		HistoryMaxLimit:    1000,
		HistoryLimit:       100,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DMQueueTTL <= 0 {
		c.DMQueueTTL = d.DMQueueTTL
	}
	if c.DMQueueTTLPriority <= 0 {
		c.DMQueueTTLPriority = d.DMQueueTTLPriority
	}
	if c.HistoryMaxLimit <= 0 {
		c.HistoryMaxLimit = d.HistoryMaxLimit
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
}

// Caller identifies the authenticated agent behind an action.
type Caller struct {
	AgentID string
	FleetID string
	SquadID string
	Name    string
}

// Router wires the delivery substrates together. All methods are safe for
// concurrent use.
type Router struct {
	broker    *pubsub.Broker
	bus       eventbus.Bus
	docs      docstore.Store
	presence  presence.Registry
	directory *directory.Service
	cfg       Config
	logger    *logger.Logger

	drainMu  sync.Mutex
	draining map[string]struct{}
}

// New creates a Router.
func New(broker *pubsub.Broker, bus eventbus.Bus, docs docstore.Store, reg presence.Registry, dir *directory.Service, cfg Config, log *logger.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		broker:    broker,
		bus:       bus,
		docs:      docs,
		presence:  reg,
		directory: dir,
		cfg:       cfg,
		logger:    log.Named("router"),
		draining:  make(map[string]struct{}),
	}
}

// publishBus hands an event to the bus off the caller's path. Bus failures
// are logged and dropped; live delivery already happened.
func (r *Router) publishBus(topic string, evt *eventbus.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.bus.Publish(ctx, topic, evt); err != nil {
			r.logger.Warn("bus publish failed",
				zap.String("topic", topic),
				zap.String("event_id", evt.ID),
				zap.Error(err))
		}
	}()
}

// historyLimit clamps a requested limit into [1, max], applying the default
// when the request carries none.
func (r *Router) historyLimit(requested int) int {
	if requested <= 0 {
		return r.cfg.HistoryLimit
	}
	if requested > r.cfg.HistoryMaxLimit {
		return r.cfg.HistoryMaxLimit
	}
	return requested
}
