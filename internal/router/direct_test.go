package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/docstore"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/pkg/wire"
)

// waitDoc polls the document store for a key written by an async path.
func waitDoc(t *testing.T, docs docstore.Store, key string) *docstore.Document {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		doc, err := docs.GetDocument(context.Background(), key)
		if err == nil {
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %s never appeared", key)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dmqKeys(t *testing.T, docs docstore.Store, fleetID, agentID string) []string {
	t.Helper()
	keys, err := docs.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	out := make([]string, 0)
	for _, k := range keys {
		if strings.HasPrefix(k, dmQueuePrefix(fleetID, agentID)) {
			out = append(out, k)
		}
	}
	return out
}

func TestSendDirectDelivered(t *testing.T) {
	f := newFixture(t)
	a1 := f.seedAgent(t, "a1")
	a2 := f.seedAgent(t, "a2")
	f.connect(a2, "s-2")
	sub := subscribe(t, f.broker, pubsub.AgentTopic("f-1", a2.AgentID))

	env, status, err := f.router.SendDirect(context.Background(), a1, &DirectSendRequest{
		To:      a2.AgentID,
		Message: mustJSON(t, map[string]any{"body": "ping"}),
	})
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if status != StatusDelivered {
		t.Errorf("status = %q, want delivered", status)
	}
	if env.MessageID == "" || env.From != a1.AgentID {
		t.Errorf("envelope = %+v", env)
	}

	frame := recvFrame(t, sub)
	if frame.Event != wire.EventDirectMessage {
		t.Fatalf("event = %q", frame.Event)
	}
	var got DirectMessage
	if err := frame.ParsePayload(&got); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	var body struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(got.Message, &body); err != nil || body.Body != "ping" {
		t.Errorf("message body = %s (%v)", got.Message, err)
	}

	if keys := dmqKeys(t, f.docs, "f-1", a2.AgentID); len(keys) != 0 {
		t.Errorf("delivered message left queue records: %v", keys)
	}

	records := waitReplay(t, f.bus, "f-1.direct", 1)
	if records[0].PartitionKey != a1.AgentID {
		t.Errorf("partition key = %q", records[0].PartitionKey)
	}
	waitDoc(t, f.docs, conversationKey("f-1", a1.AgentID, a2.AgentID))
}

func TestSendDirectQueuedAndDrained(t *testing.T) {
	f := newFixture(t)
	a1 := f.seedAgent(t, "a1")
	a2 := f.seedAgent(t, "a2")
	ctx := context.Background()

	env, status, err := f.router.SendDirect(ctx, a1, &DirectSendRequest{
		To:      a2.AgentID,
		Message: mustJSON(t, map[string]any{"body": "hi", "priority": "high"}),
	})
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if status != StatusQueued {
		t.Fatalf("status = %q, want queued", status)
	}
	if env.Priority != "high" {
		t.Errorf("priority = %q, want high", env.Priority)
	}
	key := dmQueueKey("f-1", a2.AgentID, env.MessageID)
	if _, err := f.docs.GetDocument(ctx, key); err != nil {
		t.Fatalf("queue record missing: %v", err)
	}

	// The target joins: exactly one push, then the record is gone.
	f.connect(a2, "s-2")
	sub := subscribe(t, f.broker, pubsub.AgentTopic("f-1", a2.AgentID))
	if got := f.router.DrainQueued(ctx, "f-1", a2.AgentID); got != 1 {
		t.Fatalf("DrainQueued = %d, want 1", got)
	}

	frame := recvFrame(t, sub)
	var got DirectMessage
	if err := frame.ParsePayload(&got); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if got.MessageID != env.MessageID {
		t.Errorf("drained message = %q, want %q", got.MessageID, env.MessageID)
	}
	expectSilence(t, sub)

	if _, err := f.docs.GetDocument(ctx, key); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("queue record after drain: %v", err)
	}
	if got := f.router.DrainQueued(ctx, "f-1", a2.AgentID); got != 0 {
		t.Errorf("second drain = %d, want 0", got)
	}
}

// putFailingStore rejects writes; reads pass through.
type putFailingStore struct {
	docstore.Store
}

func (putFailingStore) PutDocument(context.Context, string, []byte, []byte) error {
	return errors.New("store down")
}

func TestSendDirectSurvivesQueueWriteFailure(t *testing.T) {
	f := newFixture(t)
	a1 := f.seedAgent(t, "a1")
	a2 := f.seedAgent(t, "a2")
	f.router.docs = putFailingStore{Store: f.docs}

	env, status, err := f.router.SendDirect(context.Background(), a1, &DirectSendRequest{
		To:      a2.AgentID,
		Message: mustJSON(t, map[string]any{"body": "lossy"}),
	})
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if status != StatusDelivered {
		t.Errorf("status = %q, want delivered despite the queue failure", status)
	}
	if env == nil || env.MessageID == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDrainExpiresLazily(t *testing.T) {
	f := newFixture(t)
	a2 := f.seedAgent(t, "a2")
	ctx := context.Background()

	stale := &DirectMessage{
		MessageID: "msg_0000000000000001",
		FleetID:   "f-1",
		From:      "ag_ghostghostgh",
		To:        a2.AgentID,
		Message:   mustJSON(t, map[string]any{"body": "old"}),
		Timestamp: time.Now().UTC().Add(-10 * time.Minute),
	}
	fresh := &DirectMessage{
		MessageID: "msg_0000000000000002",
		FleetID:   "f-1",
		From:      "ag_ghostghostgh",
		To:        a2.AgentID,
		Message:   mustJSON(t, map[string]any{"body": "kept", "priority": "high"}),
		Priority:  "high",
		Timestamp: time.Now().UTC().Add(-10 * time.Minute),
	}
	for _, env := range []*DirectMessage{stale, fresh} {
		body, _ := json.Marshal(env)
		if err := f.docs.PutDocument(ctx, dmQueueKey("f-1", a2.AgentID, env.MessageID), nil, body); err != nil {
			t.Fatalf("PutDocument: %v", err)
		}
	}

	sub := subscribe(t, f.broker, pubsub.AgentTopic("f-1", a2.AgentID))
	if got := f.router.DrainQueued(ctx, "f-1", a2.AgentID); got != 1 {
		t.Fatalf("DrainQueued = %d, want 1", got)
	}
	frame := recvFrame(t, sub)
	var got DirectMessage
	if err := frame.ParsePayload(&got); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if got.MessageID != fresh.MessageID {
		t.Errorf("drained %q, want the high-priority message", got.MessageID)
	}

	// Both records are gone: one delivered, one expired in place.
	if keys := dmqKeys(t, f.docs, "f-1", a2.AgentID); len(keys) != 0 {
		t.Errorf("queue records remain: %v", keys)
	}
}

func TestSendDirectTargetResolution(t *testing.T) {
	f := newFixture(t)
	a1 := f.seedAgent(t, "a1")
	ctx := context.Background()

	if _, _, err := f.router.SendDirect(ctx, a1, &DirectSendRequest{
		To:      "ag_nosuchagent1",
		Message: mustJSON(t, map[string]any{"body": "x"}),
	}); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("unknown target err = %v", err)
	}

	// Same tenant, different fleet.
	foreign := &directory.Agent{TenantID: "t-1", FleetID: "f-2", Name: "b1"}
	if err := f.store.CreateAgent(ctx, foreign); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if _, _, err := f.router.SendDirect(ctx, a1, &DirectSendRequest{
		To:      foreign.AgentID,
		Message: mustJSON(t, map[string]any{"body": "x"}),
	}); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("cross-fleet target err = %v", err)
	}

	// The dashboard literal needs no directory row; it is queued for the
	// external consumer.
	_, status, err := f.router.SendDirect(ctx, a1, &DirectSendRequest{
		To:      DashboardTarget,
		Message: mustJSON(t, map[string]any{"body": "report"}),
	})
	if err != nil {
		t.Fatalf("dashboard send: %v", err)
	}
	if status != StatusQueued {
		t.Errorf("dashboard status = %q, want queued", status)
	}

	// A roster-only peer (no directory row yet) is accepted.
	ghost := Caller{AgentID: "ag_rosteronly12", FleetID: "f-1"}
	f.connect(ghost, "s-ghost")
	_, status, err = f.router.SendDirect(ctx, a1, &DirectSendRequest{
		To:      ghost.AgentID,
		Message: mustJSON(t, map[string]any{"body": "x"}),
	})
	if err != nil {
		t.Fatalf("roster-only send: %v", err)
	}
	if status != StatusDelivered {
		t.Errorf("roster-only status = %q, want delivered", status)
	}
}

func TestDirectHistoryPairFilter(t *testing.T) {
	f := newFixture(t)
	a1 := f.seedAgent(t, "a1")
	a2 := f.seedAgent(t, "a2")
	a3 := f.seedAgent(t, "a3")
	for _, a := range []Caller{a1, a2, a3} {
		f.connect(a, "s-"+a.Name)
	}
	ctx := context.Background()

	send := func(from Caller, to string, body string) {
		t.Helper()
		if _, _, err := f.router.SendDirect(ctx, from, &DirectSendRequest{
			To:      to,
			Message: mustJSON(t, map[string]any{"body": body}),
		}); err != nil {
			t.Fatalf("SendDirect %s: %v", body, err)
		}
	}
	send(a1, a2.AgentID, "one")
	send(a2, a1.AgentID, "two")
	send(a1, a3.AgentID, "other")
	waitReplay(t, f.bus, "f-1.direct", 3)

	got, err := f.router.DirectHistory(ctx, a1, a2.AgentID, 0)
	if err != nil {
		t.Fatalf("DirectHistory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("history = %d messages, want 2", len(got))
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) && !got[0].Timestamp.Equal(got[1].Timestamp) {
		t.Error("history not in timestamp order")
	}
	for _, env := range got {
		if !pairMatches(env, a1.AgentID, a2.AgentID) {
			t.Errorf("foreign message in pair history: %+v", env)
		}
	}
}

func TestDirectHistoryFallsBackToTail(t *testing.T) {
	f := newFixture(t)
	a1 := f.seedAgent(t, "a1")
	a2 := f.seedAgent(t, "a2")
	f.connect(a2, "s-2")
	ctx := context.Background()

	// Replay is down for the whole test; the durable tail still fills.
	f.router.bus = failingBus{}

	for _, body := range []string{"one", "two"} {
		if _, _, err := f.router.SendDirect(ctx, a1, &DirectSendRequest{
			To:      a2.AgentID,
			Message: mustJSON(t, map[string]any{"body": body}),
		}); err != nil {
			t.Fatalf("SendDirect %s: %v", body, err)
		}
	}

	key := conversationKey("f-1", a1.AgentID, a2.AgentID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		doc, err := f.docs.GetDocument(ctx, key)
		if err == nil {
			var tail []*DirectMessage
			if json.Unmarshal(doc.Body, &tail) == nil && len(tail) == 2 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("conversation tail never reached 2 entries")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := f.router.DirectHistory(ctx, a1, a2.AgentID, 0)
	if err != nil {
		t.Fatalf("DirectHistory fallback: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("fallback history = %d messages, want 2", len(got))
	}

	if _, err := f.router.DirectHistory(ctx, a1, "ag_neverspoke12", 0); err != nil {
		t.Errorf("empty fallback err = %v, want nil", err)
	}
}

func TestConversationTailBounded(t *testing.T) {
	f := newFixture(t)
	env := &DirectMessage{
		FleetID:   "f-1",
		From:      "ag_aaaaaaaaaaaa",
		To:        "ag_bbbbbbbbbbbb",
		Timestamp: time.Now().UTC(),
	}
	for i := 0; i < maxConversationTail+25; i++ {
		e := *env
		e.MessageID = fmt.Sprintf("msg_%04d", i)
		f.router.appendConversation(&e)
	}

	doc, err := f.docs.GetDocument(context.Background(), conversationKey("f-1", env.From, env.To))
	if err != nil {
		t.Fatalf("tail read: %v", err)
	}
	var tail []*DirectMessage
	if err := json.Unmarshal(doc.Body, &tail); err != nil {
		t.Fatalf("tail decode: %v", err)
	}
	if len(tail) != maxConversationTail {
		t.Errorf("tail length = %d, want %d", len(tail), maxConversationTail)
	}
	if want := fmt.Sprintf("msg_%04d", maxConversationTail+24); tail[len(tail)-1].MessageID != want {
		t.Error("tail did not keep the newest entries")
	}
}
