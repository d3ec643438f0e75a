package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/metrics"
	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/router"
	"github.com/ringforge/ringforge/internal/scheduler"
	"github.com/ringforge/ringforge/pkg/wire"
)

// ErrUnknownAction rejects frames whose action has no registered handler.
var ErrUnknownAction = errors.New("gateway: unknown action")

// errInvalidPayload marks payload validation failures inside handlers.
var errInvalidPayload = errors.New("invalid payload")

// Handler processes one action frame. A nil reply with a nil error means the
// handler already pushed whatever the client needs.
type Handler interface {
	Handle(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	return f(ctx, s, frame)
}

// Dispatcher routes action frames to registered handlers.
type Dispatcher struct {
	handlers map[string]Handler
	logger   *logger.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   log.Named("dispatch"),
	}
}

// Register binds a handler to an action name.
func (d *Dispatcher) Register(action string, h Handler) {
	d.handlers[action] = h
}

// RegisterFunc binds a function to an action name.
func (d *Dispatcher) RegisterFunc(action string, f HandlerFunc) {
	d.Register(action, f)
}

// Known reports whether the action has a handler. The frame counter uses it
// to keep the label set bounded.
func (d *Dispatcher) Known(action string) bool {
	_, ok := d.handlers[action]
	return ok
}

// Dispatch runs the handler for the frame's action.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	h, ok := d.handlers[frame.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, frame.Action)
	}
	return h.Handle(ctx, s, frame)
}

// dispatch runs one inbound frame through the dispatcher and maps handler
// errors onto the wire taxonomy. Errors go back as error frames echoing the
// request's correlation identifier.
func (g *Gateway) dispatch(ctx context.Context, s *Session, frame *wire.Frame) {
	action := frame.Action
	label := action
	if !g.dispatcher.Known(label) {
		label = "unknown"
	}
	metrics.FramesTotal.WithLabelValues(label).Inc()

	ctx, span := g.tracer.Start(ctx, "gateway.dispatch",
		trace.WithAttributes(attribute.String("action", label)))
	reply, err := g.dispatcher.Dispatch(ctx, s, frame)
	span.End()

	if err != nil {
		code := errorCode(err)
		g.logger.Debug("action failed",
			zap.String("action", action),
			zap.String("agent_id", s.Caller.AgentID),
			zap.String("code", code),
			zap.Error(err))
		s.sendFrame(wire.NewErrorFrame(action, code, err.Error(), correlationID(frame)))
		return
	}
	if reply != nil {
		s.sendFrame(reply)
	}
}

// correlationID pulls the request's correlation_id out of any payload shape.
func correlationID(frame *wire.Frame) string {
	var p struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := frame.ParsePayload(&p); err != nil {
		return ""
	}
	return p.CorrelationID
}

// errorCode maps handler errors onto wire error codes. Unmatched errors are
// reported as plain invalid rather than leaking internals.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownAction),
		errors.Is(err, router.ErrTargetNotFound),
		errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, directory.ErrNotFound):
		return wire.ErrNotFound
	case errors.Is(err, errInvalidPayload),
		errors.Is(err, router.ErrInvalidScope),
		errors.Is(err, router.ErrMissingTarget),
		errors.Is(err, router.ErrMissingKey):
		return wire.ErrInvalidPayload
	case errors.Is(err, router.ErrInvalidKind):
		return wire.ErrInvalidKind
	case errors.Is(err, presence.ErrInvalidState):
		return wire.ErrInvalidState
	case errors.Is(err, presence.ErrNotTracked):
		return wire.ErrNotConnected
	case errors.Is(err, router.ErrNoSquad),
		errors.Is(err, scheduler.ErrNotAssignee):
		return wire.ErrForbidden
	case errors.Is(err, scheduler.ErrInvalidStatus):
		return wire.ErrInvalidStatus
	case errors.Is(err, scheduler.ErrNoCapableAgent):
		return wire.ErrNoCapableAgent
	case errors.Is(err, router.ErrReplayFailed),
		errors.Is(err, eventbus.ErrUnavailable):
		return wire.ErrUnavailable
	case errors.Is(err, eventbus.ErrBackpressure):
		return wire.ErrBackpressure
	case errors.Is(err, eventbus.ErrTimeout):
		return wire.ErrTimeout
	default:
		return wire.ErrInvalid
	}
}
