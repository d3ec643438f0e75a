package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/docstore"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/metrics"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/pkg/wire"
)

// Direct-message delivery statuses returned to the sender.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// DashboardTarget is the reserved direct target accepted without a
// directory row; its messages sit in the offline queue for an external
// consumer.
const DashboardTarget = "dashboard"

// maxConversationTail bounds the per-pair durable conversation record.
const maxConversationTail = 200

// DirectMessage is the envelope for one agent-to-agent message.
type DirectMessage struct {
	MessageID     string          `json:"message_id"`
	FleetID       string          `json:"fleet_id"`
	From          string          `json:"from"`
	FromName      string          `json:"from_name,omitempty"`
	To            string          `json:"to"`
	Message       json.RawMessage `json:"message"`
	Priority      string          `json:"priority,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DirectSendRequest is the payload of direct:send.
type DirectSendRequest struct {
	To            string          `json:"to"`
	Message       json.RawMessage `json:"message"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// SendDirect routes one message to a fleet peer. An online target gets a
// live push and status delivered; an offline target gets the envelope
// written to the offline queue and status queued. A failed queue write is
// logged and the send reports delivered; the live publish already went out.
func (r *Router) SendDirect(ctx context.Context, caller Caller, req *DirectSendRequest) (*DirectMessage, string, error) {
	if err := r.resolveTarget(ctx, caller, req.To); err != nil {
		return nil, "", err
	}

	env := &DirectMessage{
		MessageID:     ident.NewMessageID(),
		FleetID:       caller.FleetID,
		From:          caller.AgentID,
		FromName:      caller.Name,
		To:            req.To,
		Message:       req.Message,
		Priority:      messagePriority(req.Message),
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}

	data, err := encodeDirectFrame(env)
	if err != nil {
		return nil, "", err
	}
	r.broker.Publish(pubsub.AgentTopic(caller.FleetID, req.To), data)

	status := StatusDelivered
	if !r.presence.Online(caller.FleetID, req.To) {
		if err := r.enqueue(ctx, env); err != nil {
			r.logger.Error("offline queue write failed",
				zap.String("message_id", env.MessageID),
				zap.String("to", env.To),
				zap.Error(err))
		} else {
			status = StatusQueued
			metrics.DMQueuedTotal.Inc()
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, "", err
	}
	r.publishBus(eventbus.Topic(caller.FleetID, eventbus.KindDirect), &eventbus.Event{
		ID:           ident.NewEventID(),
		Kind:         eventbus.KindDirect,
		PartitionKey: env.From,
		Timestamp:    env.Timestamp,
		Data:         payload,
	})
	go r.appendConversation(env)

	r.directory.CountMessages(ctx, caller.AgentID, 1)
	r.logger.Debug("direct message routed",
		zap.String("message_id", env.MessageID),
		zap.String("from", env.From),
		zap.String("to", env.To),
		zap.String("status", status))
	return env, status, nil
}

// resolveTarget applies the target rules: the dashboard literal is always
// valid; otherwise the directory row must exist in the caller's fleet, with
// the live roster as fallback for directory misses.
func (r *Router) resolveTarget(ctx context.Context, caller Caller, to string) error {
	if to == "" {
		return ErrMissingTarget
	}
	if to == DashboardTarget {
		return nil
	}
	agent, err := r.directory.GetAgent(ctx, to)
	if err == nil {
		if agent.FleetID != caller.FleetID {
			return ErrTargetNotFound
		}
		return nil
	}
	if r.presence.Online(caller.FleetID, to) {
		return nil
	}
	return ErrTargetNotFound
}

// DrainQueued delivers every non-expired queued message for the agent and
// removes the queue records. Expired records are removed in place. A drain
// already in flight for the same agent makes this call a no-op.
func (r *Router) DrainQueued(ctx context.Context, fleetID, agentID string) int {
	guard := fleetID + "/" + agentID
	r.drainMu.Lock()
	if _, busy := r.draining[guard]; busy {
		r.drainMu.Unlock()
		return 0
	}
	r.draining[guard] = struct{}{}
	r.drainMu.Unlock()
	defer func() {
		r.drainMu.Lock()
		delete(r.draining, guard)
		r.drainMu.Unlock()
	}()

	keys, err := r.docs.ListDocuments(ctx)
	if err != nil {
		r.logger.Warn("offline queue list failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return 0
	}

	prefix := dmQueuePrefix(fleetID, agentID)
	pending := make([]*DirectMessage, 0, 4)
	pendingKeys := make(map[string]string)
	now := time.Now().UTC()

	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		doc, err := r.docs.GetDocument(ctx, key)
		if err != nil {
			r.logger.Warn("offline queue read failed", zap.String("key", key), zap.Error(err))
			continue
		}
		var env DirectMessage
		if err := json.Unmarshal(doc.Body, &env); err != nil {
			r.deleteQueued(ctx, key)
			continue
		}
		if now.Sub(env.Timestamp) > r.queueTTL(env.Priority) {
			r.deleteQueued(ctx, key)
			continue
		}
		pending = append(pending, &env)
		pendingKeys[env.MessageID] = key
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	delivered := 0
	for _, env := range pending {
		data, err := encodeDirectFrame(env)
		if err != nil {
			continue
		}
		r.broker.Publish(pubsub.AgentTopic(fleetID, agentID), data)
		r.deleteQueued(ctx, pendingKeys[env.MessageID])
		delivered++
	}
	if delivered > 0 {
		r.logger.Info("drained offline queue",
			zap.String("fleet_id", fleetID),
			zap.String("agent_id", agentID),
			zap.Int("delivered", delivered))
	}
	return delivered
}

// DirectHistory returns the recent conversation between the caller and one
// peer, newest last. The bus replay is authoritative; the durable
// conversation tail serves as fallback when replay fails.
func (r *Router) DirectHistory(ctx context.Context, caller Caller, with string, limit int) ([]*DirectMessage, error) {
	limit = r.historyLimit(limit)

	records, err := r.bus.Replay(ctx, eventbus.Topic(caller.FleetID, eventbus.KindDirect), eventbus.ReplayOptions{
		Limit: limit * 10,
	})
	if err != nil {
		r.logger.Warn("direct replay failed, serving conversation tail",
			zap.String("fleet_id", caller.FleetID),
			zap.Error(err))
		return r.conversationTail(ctx, caller.FleetID, caller.AgentID, with, limit)
	}

	messages := make([]*DirectMessage, 0, len(records))
	for _, rec := range records {
		var env DirectMessage
		if err := json.Unmarshal(rec.Data, &env); err != nil {
			continue
		}
		if !pairMatches(&env, caller.AgentID, with) {
			continue
		}
		messages = append(messages, &env)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (r *Router) enqueue(ctx context.Context, env *DirectMessage) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(map[string]any{
		"message_id": env.MessageID,
		"from":       env.From,
		"to":         env.To,
		"priority":   env.Priority,
		"timestamp":  wire.Timestamp(env.Timestamp),
	})
	if err != nil {
		return err
	}
	return r.docs.PutDocument(ctx, dmQueueKey(env.FleetID, env.To, env.MessageID), meta, body)
}

func (r *Router) deleteQueued(ctx context.Context, key string) {
	if err := r.docs.DeleteDocument(ctx, key); err != nil {
		r.logger.Warn("offline queue delete failed", zap.String("key", key), zap.Error(err))
	}
}

// queueTTL maps a message priority to its offline retention.
func (r *Router) queueTTL(priority string) time.Duration {
	switch priority {
	case "high", "critical":
		return r.cfg.DMQueueTTLPriority
	default:
		return r.cfg.DMQueueTTL
	}
}

// appendConversation adds the envelope to the durable pair tail, keeping
// the newest entries only. Best-effort: failures are logged and forgotten.
func (r *Router) appendConversation(env *DirectMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := conversationKey(env.FleetID, env.From, env.To)
	var tail []*DirectMessage
	doc, err := r.docs.GetDocument(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(doc.Body, &tail); err != nil {
			tail = nil
		}
	case errors.Is(err, docstore.ErrNotFound):
	default:
		r.logger.Warn("conversation tail read failed", zap.String("key", key), zap.Error(err))
		return
	}

	tail = append(tail, env)
	if len(tail) > maxConversationTail {
		tail = tail[len(tail)-maxConversationTail:]
	}
	body, err := json.Marshal(tail)
	if err != nil {
		return
	}
	meta, err := json.Marshal(map[string]any{
		"pair":       []string{env.From, env.To},
		"count":      len(tail),
		"updated_at": wire.Timestamp(time.Now()),
	})
	if err != nil {
		return
	}
	if err := r.docs.PutDocument(ctx, key, meta, body); err != nil {
		r.logger.Warn("conversation tail write failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Router) conversationTail(ctx context.Context, fleetID, a, b string, limit int) ([]*DirectMessage, error) {
	doc, err := r.docs.GetDocument(ctx, conversationKey(fleetID, a, b))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return []*DirectMessage{}, nil
		}
		return nil, ErrReplayFailed
	}
	var tail []*DirectMessage
	if err := json.Unmarshal(doc.Body, &tail); err != nil {
		return nil, ErrReplayFailed
	}
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return tail, nil
}

func encodeDirectFrame(env *DirectMessage) ([]byte, error) {
	frame, err := wire.NewEvent(wire.EventDirectMessage, env)
	if err != nil {
		return nil, err
	}
	return wire.Encode(frame)
}

// messagePriority pulls the optional priority field out of the opaque
// message body.
func messagePriority(message json.RawMessage) string {
	var probe struct {
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return ""
	}
	return probe.Priority
}

func pairMatches(env *DirectMessage, a, b string) bool {
	return (env.From == a && env.To == b) || (env.From == b && env.To == a)
}

func dmQueueKey(fleetID, to, messageID string) string {
	return fmt.Sprintf("dmq:%s:%s:%s", fleetID, to, messageID)
}

func dmQueuePrefix(fleetID, to string) string {
	return fmt.Sprintf("dmq:%s:%s:", fleetID, to)
}

// conversationKey orders the pair so both directions share one record.
func conversationKey(fleetID, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("conv:%s:%s:%s", fleetID, a, b)
}
