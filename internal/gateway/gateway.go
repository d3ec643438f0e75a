// Package gateway accepts agent WebSocket connections, authenticates them
// through the directory, and runs the per-session pumps that bridge each
// socket to the hub's pub/sub topics. No component outside a session writes
// its socket; everything reaches an agent through the session's send queue.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/audit"
	"github.com/ringforge/ringforge/internal/challenge"
	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/common/tracing"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/metrics"
	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/internal/router"
	"github.com/ringforge/ringforge/internal/scheduler"
	"github.com/ringforge/ringforge/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agent clients are not browsers; any origin may connect.
		return true
	},
}

// DefaultDrainGrace bounds how long Drain waits for in-flight results after
// the last session closes.
const DefaultDrainGrace = 5 * time.Second

// Config tunes the gateway.
type Config struct {
	DrainGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
}

// Deps carries the collaborators behind the gateway.
type Deps struct {
	Broker     *pubsub.Broker
	Bus        eventbus.Bus
	Directory  *directory.Service
	Challenges *challenge.Store
	Presence   presence.Registry
	Router     *router.Router
	Scheduler  *scheduler.Service
	Audit      *audit.Sink
}

// Gateway owns the WebSocket surface: upgrade, authentication, session
// lifecycle, and the dispatch of inbound action frames.
type Gateway struct {
	broker     *pubsub.Broker
	bus        eventbus.Bus
	directory  *directory.Service
	challenges *challenge.Store
	presence   presence.Registry
	router     *router.Router
	scheduler  *scheduler.Service
	audit      *audit.Sink
	dispatcher *Dispatcher
	tracer     trace.Tracer
	cfg        Config
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
}

// New creates the gateway and registers its action handlers.
func New(deps Deps, cfg Config, log *logger.Logger) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		broker:     deps.Broker,
		bus:        deps.Bus,
		directory:  deps.Directory,
		challenges: deps.Challenges,
		presence:   deps.Presence,
		router:     deps.Router,
		scheduler:  deps.Scheduler,
		audit:      deps.Audit,
		tracer:     tracing.Tracer("gateway"),
		cfg:        cfg,
		logger:     log.Named("gateway"),
		sessions:   make(map[string]*Session),
	}
	g.dispatcher = NewDispatcher(log)
	g.registerHandlers()
	return g
}

// HandleConnection authenticates the connect parameters and upgrades the
// socket. Authentication failures close with a bare 401; the reason only
// reaches telemetry and the audit trail.
func (g *Gateway) HandleConnection(c *gin.Context) {
	if g.isDraining() {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	ctx := c.Request.Context()
	params := parseConnectParams(c.Request)
	result := g.authenticate(ctx, params)
	g.emitAuthOutcome(result)
	if result.err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}

	var responseHeader http.Header
	if params.viaSubprotocol() {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{params.subprotocol}}
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.ConnectionsTotal.Inc()
	s := newSession(g, conn, result.agent, result.method)
	g.register(s)
	g.logger.Info("agent session established",
		zap.String("session_id", s.ID),
		zap.String("agent_id", s.Caller.AgentID),
		zap.String("fleet_id", s.Caller.FleetID),
		zap.String("method", s.AuthMethod),
		zap.Bool("created", result.created))

	go s.WritePump()
	go s.forwardDeliveries()
	g.join(ctx, s)
	s.ReadPump(ctx)
}

// join attaches the session to its fleet and agent topics, tracks presence,
// pushes the roster, and drains the offline direct-message queue. The topic
// subscriptions come first so the session sees every diff from its own join
// onward.
func (g *Gateway) join(ctx context.Context, s *Session) {
	s.sub.Subscribe(pubsub.FleetTopic(s.Caller.FleetID))
	s.sub.Subscribe(pubsub.AgentTopic(s.Caller.FleetID, s.Caller.AgentID))

	g.presence.Track(&presence.Entry{
		SessionID:    s.ID,
		AgentID:      s.Caller.AgentID,
		FleetID:      s.Caller.FleetID,
		Name:         s.Caller.Name,
		Framework:    s.framework,
		Capabilities: s.capabilities,
		State:        presence.StateOnline,
	})

	frame, err := wire.NewEvent(wire.EventPresenceRoster, map[string]any{
		"agents":    g.presence.List(s.Caller.FleetID),
		"timestamp": wire.Timestamp(time.Now()),
	})
	if err != nil {
		s.logger.Error("encode roster push", zap.Error(err))
	} else {
		s.sendFrame(frame)
	}

	if delivered := g.router.DrainQueued(ctx, s.Caller.FleetID, s.Caller.AgentID); delivered > 0 {
		s.logger.Info("queued messages delivered on join", zap.Int("count", delivered))
	}
}

// terminate tears one session down: roster removal, last-seen touch, and
// subscriber close. Only the first caller does the work; the read pump and
// Drain may both arrive here.
func (g *Gateway) terminate(s *Session) {
	g.mu.Lock()
	_, tracked := g.sessions[s.ID]
	delete(g.sessions, s.ID)
	g.mu.Unlock()
	if !tracked {
		return
	}

	g.presence.Untrack(s.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	g.directory.Touch(ctx, s.Caller.AgentID)
	cancel()

	s.close()
	metrics.SessionsActive.Dec()
	s.logger.Info("agent session closed")
}

func (g *Gateway) register(s *Session) {
	g.mu.Lock()
	g.sessions[s.ID] = s
	g.mu.Unlock()
	metrics.SessionsActive.Inc()
}

func (g *Gateway) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

func (g *Gateway) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Drain stops accepting new connections, closes every live session with a
// going-away frame (broadcasting presence:left for each), and waits the
// grace interval so in-flight results can reach the bus.
func (g *Gateway) Drain(ctx context.Context) {
	g.mu.Lock()
	g.draining = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.setCloseMessage(websocket.FormatCloseMessage(websocket.CloseGoingAway, "server draining"))
		g.terminate(s)
	}
	if len(sessions) == 0 {
		return
	}

	g.logger.Info("gateway drained", zap.Int("sessions", len(sessions)))
	select {
	case <-ctx.Done():
	case <-time.After(g.cfg.DrainGrace):
	}
}
