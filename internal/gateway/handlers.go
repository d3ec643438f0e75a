package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/internal/router"
	"github.com/ringforge/ringforge/internal/scheduler"
	"github.com/ringforge/ringforge/pkg/wire"
)

func (g *Gateway) registerHandlers() {
	d := g.dispatcher
	d.RegisterFunc(wire.ActionPresenceUpdate, g.handlePresenceUpdate)
	d.RegisterFunc(wire.ActionPresenceRoster, g.handlePresenceRoster)
	d.RegisterFunc(wire.ActionActivityBroadcast, g.handleActivityBroadcast)
	d.RegisterFunc(wire.ActionActivitySubscribe, g.handleActivitySubscribe)
	d.RegisterFunc(wire.ActionActivityUnsubscribe, g.handleActivityUnsubscribe)
	d.RegisterFunc(wire.ActionActivityHistory, g.handleActivityHistory)
	d.RegisterFunc(wire.ActionDirectSend, g.handleDirectSend)
	d.RegisterFunc(wire.ActionDirectHistory, g.handleDirectHistory)
	d.RegisterFunc(wire.ActionMemorySet, g.handleMemorySet)
	d.RegisterFunc(wire.ActionMemoryGet, g.handleMemoryGet)
	d.RegisterFunc(wire.ActionMemoryDelete, g.handleMemoryDelete)
	d.RegisterFunc(wire.ActionMemoryList, g.handleMemoryList)
	d.RegisterFunc(wire.ActionMemoryWatch, g.handleMemoryWatch)
	d.RegisterFunc(wire.ActionMemoryUnwatch, g.handleMemoryUnwatch)
	d.RegisterFunc(wire.ActionTaskSubmit, g.handleTaskSubmit)
	d.RegisterFunc(wire.ActionTaskResult, g.handleTaskResult)
	d.RegisterFunc(wire.ActionTaskList, g.handleTaskList)
	d.RegisterFunc(wire.ActionTaskGet, g.handleTaskGet)
}

// replyPayload wraps handler fields with ok and the request's correlation
// identifier.
func replyPayload(frame *wire.Frame, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["ok"] = true
	if id := correlationID(frame); id != "" {
		out["correlation_id"] = id
	}
	return out
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type directHistoryRequest struct {
	With  string `json:"with"`
	Limit int    `json:"limit,omitempty"`
}

type memorySetRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Scope string          `json:"scope,omitempty"`
}

type memoryKeyRequest struct {
	Key   string `json:"key"`
	Scope string `json:"scope,omitempty"`
}

type memoryListRequest struct {
	Prefix string `json:"prefix,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

type memoryWatchRequest struct {
	Key string `json:"key"`
}

type taskGetRequest struct {
	TaskID string `json:"task_id"`
}

func (g *Gateway) handlePresenceUpdate(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var patch presence.Patch
	if err := frame.ParsePayload(&patch); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if _, err := g.presence.Update(s.ID, &patch); err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionPresenceUpdate, wire.Ack{
		OK:            true,
		Status:        "updated",
		CorrelationID: correlationID(frame),
	})
}

func (g *Gateway) handlePresenceRoster(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	return wire.NewReply(wire.ActionPresenceRoster, replyPayload(frame, map[string]any{
		"agents":    g.presence.List(s.Caller.FleetID),
		"timestamp": wire.Timestamp(time.Now()),
	}))
}

func (g *Gateway) handleActivityBroadcast(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req router.BroadcastRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	evt, err := g.router.Broadcast(ctx, s.Caller, &req)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionActivityBroadcast, replyPayload(frame, map[string]any{
		"event_id":  evt.EventID,
		"timestamp": wire.Timestamp(evt.Timestamp),
	}))
}

func (g *Gateway) handleActivitySubscribe(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req tagsRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if len(req.Tags) == 0 {
		return nil, fmt.Errorf("%w: tags required", errInvalidPayload)
	}
	return wire.NewReply(wire.ActionActivitySubscribe, replyPayload(frame, map[string]any{
		"subscribed_tags": s.addTags(req.Tags),
	}))
}

func (g *Gateway) handleActivityUnsubscribe(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req tagsRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if len(req.Tags) == 0 {
		return nil, fmt.Errorf("%w: tags required", errInvalidPayload)
	}
	s.removeTags(req.Tags)
	return wire.NewReply(wire.ActionActivityUnsubscribe, wire.Ack{
		OK:            true,
		Status:        "unsubscribed",
		CorrelationID: correlationID(frame),
	})
}

func (g *Gateway) handleActivityHistory(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var q router.HistoryQuery
	if err := frame.ParsePayload(&q); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	events, err := g.router.ActivityHistory(ctx, s.Caller.FleetID, &q)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionActivityHistory, replyPayload(frame, map[string]any{
		"events": events,
		"count":  len(events),
	}))
}

func (g *Gateway) handleDirectSend(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req router.DirectSendRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	msg, status, err := g.router.SendDirect(ctx, s.Caller, &req)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionDirectSend, replyPayload(frame, map[string]any{
		"message_id": msg.MessageID,
		"status":     status,
		"to":         msg.To,
	}))
}

func (g *Gateway) handleDirectHistory(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req directHistoryRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if req.With == "" {
		return nil, fmt.Errorf("%w: with required", errInvalidPayload)
	}
	messages, err := g.router.DirectHistory(ctx, s.Caller, req.With, req.Limit)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionDirectHistory, replyPayload(frame, map[string]any{
		"messages": messages,
		"count":    len(messages),
		"with":     req.With,
	}))
}

func (g *Gateway) handleMemorySet(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req memorySetRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if err := g.router.MemorySet(ctx, s.Caller, req.Key, req.Value, req.Scope); err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionMemorySet, wire.Ack{
		OK:            true,
		Status:        "set",
		CorrelationID: correlationID(frame),
	})
}

func (g *Gateway) handleMemoryGet(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req memoryKeyRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	val, err := g.router.MemoryGet(ctx, s.Caller, req.Key, req.Scope)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionMemoryGet, struct {
		*router.MemoryValue
		OK            bool   `json:"ok"`
		CorrelationID string `json:"correlation_id,omitempty"`
	}{val, true, correlationID(frame)})
}

func (g *Gateway) handleMemoryDelete(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req memoryKeyRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if err := g.router.MemoryDelete(ctx, s.Caller, req.Key, req.Scope); err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionMemoryDelete, wire.Ack{
		OK:            true,
		Status:        "deleted",
		CorrelationID: correlationID(frame),
	})
}

func (g *Gateway) handleMemoryList(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req memoryListRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	keys, err := g.router.MemoryList(ctx, s.Caller, req.Prefix, req.Scope)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionMemoryList, replyPayload(frame, map[string]any{
		"keys":  keys,
		"count": len(keys),
	}))
}

func (g *Gateway) handleMemoryWatch(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req memoryWatchRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if req.Key == "" {
		return nil, fmt.Errorf("%w: key required", errInvalidPayload)
	}
	s.sub.Subscribe(pubsub.MemoryTopic(s.Caller.FleetID, req.Key))
	return wire.NewReply(wire.ActionMemoryWatch, wire.Ack{
		OK:            true,
		Status:        "watching",
		CorrelationID: correlationID(frame),
	})
}

func (g *Gateway) handleMemoryUnwatch(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req memoryWatchRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if req.Key == "" {
		return nil, fmt.Errorf("%w: key required", errInvalidPayload)
	}
	s.sub.Unsubscribe(pubsub.MemoryTopic(s.Caller.FleetID, req.Key))
	return wire.NewReply(wire.ActionMemoryUnwatch, wire.Ack{
		OK:            true,
		Status:        "unwatched",
		CorrelationID: correlationID(frame),
	})
}

func (g *Gateway) handleTaskSubmit(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req scheduler.SubmitRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	t, err := g.scheduler.Submit(ctx, s.Caller, &req)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionTaskSubmit, replyPayload(frame, map[string]any{
		"task_id": t.TaskID,
		"status":  t.Status,
	}))
}

func (g *Gateway) handleTaskResult(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req scheduler.ReportRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	t, err := g.scheduler.Report(ctx, s.Caller, &req)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionTaskResult, wire.Ack{
		OK:            true,
		Status:        string(t.Status),
		CorrelationID: correlationID(frame),
	})
}

func (g *Gateway) handleTaskList(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	tasks := g.scheduler.List(ctx, s.Caller)
	return wire.NewReply(wire.ActionTaskList, replyPayload(frame, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	}))
}

func (g *Gateway) handleTaskGet(ctx context.Context, s *Session, frame *wire.Frame) (*wire.Frame, error) {
	var req taskGetRequest
	if err := frame.ParsePayload(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id required", errInvalidPayload)
	}
	t, err := g.scheduler.Get(ctx, s.Caller, req.TaskID)
	if err != nil {
		return nil, err
	}
	return wire.NewReply(wire.ActionTaskGet, replyPayload(frame, map[string]any{
		"task": t,
	}))
}
