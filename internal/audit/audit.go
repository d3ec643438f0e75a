// Package audit records security-sensitive actions. Records go to the
// audit_logs table and to the "{fleet_id}.audit" bus topic; callers never
// wait on either.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/metrics"
)

// SystemFleet is the topic namespace for records with no fleet, such as
// failed authentications where the key never resolved.
const SystemFleet = "system"

const (
	queueCapacity = 1024
	writeTimeout  = 5 * time.Second
)

// Appender is the slice of the directory store the sink writes through.
type Appender interface {
	AppendAuditLog(ctx context.Context, entry *directory.AuditLog) error
}

// Record is one audit observation. Zero-value fields are allowed everywhere
// but Action.
type Record struct {
	TenantID string
	FleetID  string
	AgentID  string
	Action   string
	Detail   map[string]any
}

// Sink appends audit records off the caller's goroutine. Enqueueing never
// blocks: when the queue is full the record is counted, logged, and dropped.
type Sink struct {
	store  Appender
	bus    eventbus.Bus
	logger *logger.Logger

	queue chan *Record
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewSink creates an audit sink. Either store or bus may be nil; the sink
// writes through whichever is present.
func NewSink(store Appender, bus eventbus.Bus, log *logger.Logger) *Sink {
	return &Sink{
		store:  store,
		bus:    bus,
		logger: log.Named("audit"),
		queue:  make(chan *Record, queueCapacity),
	}
}

// Start begins the writer goroutine.
func (s *Sink) Start() {
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.writeLoop()
}

// Stop drains the queue and stops the writer. Calling Stop on a sink that
// was never started is a no-op.
func (s *Sink) Stop() {
	if s.done == nil {
		return
	}
	close(s.done)
	s.wg.Wait()
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		default:
			return
		}
	}
}

// Record enqueues an audit record. It never blocks and never reports
// failure to the caller.
func (s *Sink) Record(rec *Record) {
	select {
	case s.queue <- rec:
	default:
		metrics.AuditDroppedTotal.Inc()
		s.logger.Warn("audit queue full, record dropped",
			zap.String("action", rec.Action),
			zap.String("agent_id", rec.AgentID))
	}
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case rec := <-s.queue:
			s.write(rec)
		}
	}
}

// write performs the table append and the bus publish. Both are
// best-effort; a failure in one does not stop the other.
func (s *Sink) write(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	detail := []byte("{}")
	if len(rec.Detail) > 0 {
		if d, err := json.Marshal(rec.Detail); err == nil {
			detail = d
		}
	}

	if s.store != nil {
		entry := &directory.AuditLog{
			TenantID: rec.TenantID,
			FleetID:  rec.FleetID,
			AgentID:  rec.AgentID,
			Action:   rec.Action,
			Detail:   detail,
		}
		if err := s.store.AppendAuditLog(ctx, entry); err != nil {
			s.logger.Error("audit append failed",
				zap.String("action", rec.Action),
				zap.Error(err))
		}
	}

	if s.bus != nil {
		fleet := rec.FleetID
		if fleet == "" {
			fleet = SystemFleet
		}
		evt := &eventbus.Event{
			ID:           ident.NewEventID(),
			Kind:         eventbus.KindAudit,
			PartitionKey: rec.AgentID,
			Timestamp:    time.Now().UTC(),
			Data:         s.eventData(rec, detail),
		}
		if err := s.bus.Publish(ctx, eventbus.Topic(fleet, eventbus.KindAudit), evt); err != nil {
			s.logger.Error("audit bus publish failed",
				zap.String("action", rec.Action),
				zap.Error(err))
		}
	}
}

func (s *Sink) eventData(rec *Record, detail []byte) json.RawMessage {
	data, err := json.Marshal(map[string]any{
		"tenant_id": rec.TenantID,
		"fleet_id":  rec.FleetID,
		"agent_id":  rec.AgentID,
		"action":    rec.Action,
		"detail":    json.RawMessage(detail),
	})
	if err != nil {
		return detail
	}
	return data
}
