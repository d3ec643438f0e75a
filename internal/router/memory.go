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
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/pkg/wire"
)

// Memory scopes. Fleet memory is visible to the whole fleet; squad memory
// only to agents sharing the caller's squad.
const (
	MemoryScopeFleet = "fleet"
	MemoryScopeSquad = "squad"
)

// MemoryValue is the result of a memory read.
type MemoryValue struct {
	Key       string          `json:"key"`
	Scope     string          `json:"scope"`
	Value     json.RawMessage `json:"value,omitempty"`
	Found     bool            `json:"found"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

type memoryMeta struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemorySet writes a shared value and notifies watchers.
func (r *Router) MemorySet(ctx context.Context, caller Caller, key string, value json.RawMessage, scope string) error {
	if key == "" {
		return ErrMissingKey
	}
	storageKey, scope, err := r.memoryKey(caller, key, scope)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	meta, err := json.Marshal(memoryMeta{Key: key, Scope: scope, UpdatedBy: caller.AgentID, UpdatedAt: now})
	if err != nil {
		return err
	}
	if err := r.docs.PutDocument(ctx, storageKey, meta, value); err != nil {
		return err
	}

	r.notifyMemoryChanged(caller.FleetID, key, map[string]any{
		"key":        key,
		"scope":      scope,
		"value":      value,
		"updated_by": caller.AgentID,
		"timestamp":  wire.Timestamp(now),
	})
	return nil
}

// MemoryGet reads a shared value. A missing key is not an error; Found is
// false.
func (r *Router) MemoryGet(ctx context.Context, caller Caller, key, scope string) (*MemoryValue, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	storageKey, scope, err := r.memoryKey(caller, key, scope)
	if err != nil {
		return nil, err
	}

	doc, err := r.docs.GetDocument(ctx, storageKey)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return &MemoryValue{Key: key, Scope: scope}, nil
		}
		return nil, err
	}

	out := &MemoryValue{Key: key, Scope: scope, Value: doc.Body, Found: true}
	var meta memoryMeta
	if err := json.Unmarshal(doc.Meta, &meta); err == nil {
		out.UpdatedBy = meta.UpdatedBy
		out.UpdatedAt = meta.UpdatedAt
	}
	return out, nil
}

// MemoryDelete removes a shared value and notifies watchers.
func (r *Router) MemoryDelete(ctx context.Context, caller Caller, key, scope string) error {
	if key == "" {
		return ErrMissingKey
	}
	storageKey, scope, err := r.memoryKey(caller, key, scope)
	if err != nil {
		return err
	}
	if err := r.docs.DeleteDocument(ctx, storageKey); err != nil {
		return err
	}

	r.notifyMemoryChanged(caller.FleetID, key, map[string]any{
		"key":        key,
		"scope":      scope,
		"deleted":    true,
		"updated_by": caller.AgentID,
		"timestamp":  wire.Timestamp(time.Now()),
	})
	return nil
}

// MemoryList returns the keys visible in the scope, optionally narrowed by
// prefix, in lexical order.
func (r *Router) MemoryList(ctx context.Context, caller Caller, prefix, scope string) ([]string, error) {
	storagePrefix, _, err := r.memoryKey(caller, "", scope)
	if err != nil {
		return nil, err
	}

	keys, err := r.docs.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for _, k := range keys {
		if !strings.HasPrefix(k, storagePrefix) {
			continue
		}
		logical := strings.TrimPrefix(k, storagePrefix)
		if prefix != "" && !strings.HasPrefix(logical, prefix) {
			continue
		}
		out = append(out, logical)
	}
	sort.Strings(out)
	return out, nil
}

// memoryKey maps (caller, key, scope) to the storage key. With an empty key
// it returns the scope's storage prefix. The resolved scope is returned so
// callers can echo the default.
func (r *Router) memoryKey(caller Caller, key, scope string) (string, string, error) {
	switch scope {
	case "", MemoryScopeFleet:
		return fmt.Sprintf("mem:%s:%s", caller.FleetID, key), MemoryScopeFleet, nil
	case MemoryScopeSquad:
		if caller.SquadID == "" {
			return "", "", ErrNoSquad
		}
		return fmt.Sprintf("smem:%s:%s:%s", caller.FleetID, caller.SquadID, key), MemoryScopeSquad, nil
	default:
		return "", "", ErrInvalidScope
	}
}

// notifyMemoryChanged publishes memory:changed to the key watchers, the
// fleet-wide watch topic, and the bus memory log.
func (r *Router) notifyMemoryChanged(fleetID, key string, payload map[string]any) {
	frame, err := wire.NewEvent(wire.EventMemoryChanged, payload)
	if err != nil {
		r.logger.Error("encode memory event", zap.String("key", key), zap.Error(err))
		return
	}
	data, err := wire.Encode(frame)
	if err != nil {
		r.logger.Error("encode memory frame", zap.String("key", key), zap.Error(err))
		return
	}
	r.broker.Publish(pubsub.MemoryTopic(fleetID, key), data)
	r.broker.Publish(pubsub.MemoryAllTopic(fleetID), data)

	busData, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.publishBus(eventbus.Topic(fleetID, eventbus.KindMemory), &eventbus.Event{
		ID:           ident.NewEventID(),
		Kind:         eventbus.KindMemory,
		PartitionKey: key,
		Timestamp:    time.Now().UTC(),
		Data:         busData,
	})
}
