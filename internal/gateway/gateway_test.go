package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/ringforge/ringforge/internal/audit"
	"github.com/ringforge/ringforge/internal/challenge"
	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/docstore"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/internal/router"
	"github.com/ringforge/ringforge/internal/scheduler"
	"github.com/ringforge/ringforge/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

type fixture struct {
	gw         *Gateway
	srv        *httptest.Server
	broker     *pubsub.Broker
	bus        *eventbus.LocalBus
	registry   *presence.MemoryRegistry
	dirStore   *directory.MemoryStore
	dir        *directory.Service
	challenges *challenge.Store
	sched      *scheduler.Service
	clock      *clockwork.FakeClock
	rawKey     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	broker := pubsub.NewBroker(log)
	t.Cleanup(broker.Close)
	bus := eventbus.NewLocalBus(0, log)
	docs := docstore.NewMemoryStore()
	registry := presence.NewMemoryRegistry(broker, log)
	dirStore := directory.NewMemoryStore()
	challenges := challenge.NewStore(challenge.Config{}, log)
	dir := directory.NewService(dirStore, challenges, log)
	rtr := router.New(broker, bus, docs, registry, dir, router.Config{}, log)

	fc := clockwork.NewFakeClock()
	sched := scheduler.New(broker, bus, rtr, registry, scheduler.Config{Clock: fc}, log)
	schedCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sched.Start(schedCtx)

	sink := audit.NewSink(dirStore, bus, log)
	sink.Start()
	t.Cleanup(sink.Stop)

	gw := New(Deps{
		Broker:     broker,
		Bus:        bus,
		Directory:  dir,
		Challenges: challenges,
		Presence:   registry,
		Router:     rtr,
		Scheduler:  sched,
		Audit:      sink,
	}, Config{DrainGrace: 50 * time.Millisecond}, log)

	engine := gin.New()
	gw.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	tenant := &directory.Tenant{ID: "t-1", Name: "acme", CreatedAt: time.Now().UTC()}
	fleet := &directory.Fleet{ID: "f-1", TenantID: "t-1", Name: "prod", CreatedAt: time.Now().UTC()}
	if err := dirStore.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if err := dirStore.CreateFleet(ctx, fleet); err != nil {
		t.Fatalf("CreateFleet: %v", err)
	}
	raw, key := directory.NewAPIKey("t-1", "f-1", directory.KeyTypeLive)
	if err := dirStore.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	return &fixture{
		gw:         gw,
		srv:        srv,
		broker:     broker,
		bus:        bus,
		registry:   registry,
		dirStore:   dirStore,
		dir:        dir,
		challenges: challenges,
		sched:      sched,
		clock:      fc,
		rawKey:     raw,
	}
}

func (f *fixture) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// register connects a fresh agent through the registration path and returns
// the socket plus the agent id taken from the roster push.
func (f *fixture) register(t *testing.T, name, caps string) (*websocket.Conn, string) {
	t.Helper()
	query := fmt.Sprintf("api_key=%s&name=%s", f.rawKey, name)
	if caps != "" {
		query += "&capabilities=" + caps
	}
	conn := f.dial(t, query)
	roster := readEvent(t, conn, wire.EventPresenceRoster)
	return conn, rosterAgentID(t, roster, name)
}

// waitSessions polls the presence registry until it tracks want sessions.
func (f *fixture) waitSessions(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.registry.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("presence count = %d, want %d", f.registry.Count(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func rosterAgentID(t *testing.T, frame *wire.Frame, name string) string {
	t.Helper()
	var payload struct {
		Agents []*presence.Entry `json:"agents"`
	}
	if err := frame.ParsePayload(&payload); err != nil {
		t.Fatalf("parse roster: %v", err)
	}
	for _, e := range payload.Agents {
		if e.Name == name {
			return e.AgentID
		}
	}
	t.Fatalf("agent %q not in roster", name)
	return ""
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

// readEvent reads frames until the named event arrives, skipping unrelated
// deliveries.
func readEvent(t *testing.T, conn *websocket.Conn, event string) *wire.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame.Type == wire.FrameTypeEvent && frame.Event == event {
			return frame
		}
	}
	t.Fatalf("event %s never arrived", event)
	return nil
}

// readReply reads frames until the reply for action arrives. An error frame
// fails the test.
func readReply(t *testing.T, conn *websocket.Conn, action string) *wire.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		switch {
		case frame.Type == wire.FrameTypeReply && frame.Action == action:
			return frame
		case frame.Type == wire.FrameTypeError:
			t.Fatalf("error frame while waiting for %s reply: %s", action, frame.Payload)
		}
	}
	t.Fatalf("reply for %s never arrived", action)
	return nil
}

// readError reads frames until an error frame arrives.
func readError(t *testing.T, conn *websocket.Conn) *wire.ErrorPayload {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame.Type == wire.FrameTypeError {
			var p wire.ErrorPayload
			if err := frame.ParsePayload(&p); err != nil {
				t.Fatalf("parse error payload: %v", err)
			}
			return &p
		}
	}
	t.Fatal("error frame never arrived")
	return nil
}

// expectNoEvent asserts the named event does not arrive inside the window.
// The read deadline poisons the socket, so this must be the last read on it.
func expectNoEvent(t *testing.T, conn *websocket.Conn, event string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if frame.Type == wire.FrameTypeEvent && frame.Event == event {
			t.Fatalf("unexpected %s event: %s", event, frame.Payload)
		}
	}
}

func sendAction(t *testing.T, conn *websocket.Conn, action string, payload any) {
	t.Helper()
	frame, err := wire.NewAction(action, payload)
	if err != nil {
		t.Fatalf("build action: %v", err)
	}
	data, err := wire.Encode(frame)
	if err != nil {
		t.Fatalf("encode action: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write action: %v", err)
	}
}

func recvHubEvent(t *testing.T, sub *pubsub.Subscriber) *wire.Frame {
	t.Helper()
	select {
	case d := <-sub.C():
		frame, err := wire.Decode(d.Data)
		if err != nil {
			t.Fatalf("decode hub event: %v", err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("no hub event delivery")
		return nil
	}
}

// waitReplay polls the local bus until the topic holds want records.
func waitReplay(t *testing.T, bus eventbus.Bus, topic string, want int) []*eventbus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := bus.Replay(context.Background(), topic, eventbus.ReplayOptions{Limit: want * 2})
		if err == nil && len(records) >= want {
			return records
		}
		if time.Now().After(deadline) {
			t.Fatalf("bus topic %s has %d records, want %d", topic, len(records), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterJoinRoster(t *testing.T) {
	f := newFixture(t)
	conn1, id1 := f.register(t, "alice", "research")
	_, id2 := f.register(t, "bob", "")
	if id1 == id2 {
		t.Fatalf("agent ids collide: %s", id1)
	}

	// The first session sees bob's join diff. Its own joined event may still
	// be queued ahead, so scan for the right agent.
	var joined *presence.Entry
	for i := 0; i < 5 && joined == nil; i++ {
		frame := readEvent(t, conn1, wire.EventPresenceJoined)
		var diff struct {
			Agent *presence.Entry `json:"agent"`
		}
		if err := frame.ParsePayload(&diff); err != nil {
			t.Fatalf("parse joined: %v", err)
		}
		if diff.Agent != nil && diff.Agent.AgentID == id2 {
			joined = diff.Agent
		}
	}
	if joined == nil {
		t.Fatalf("join diff for %s never arrived", id2)
	}

	sendAction(t, conn1, wire.ActionPresenceRoster, map[string]any{})
	reply := readReply(t, conn1, wire.ActionPresenceRoster)
	var roster struct {
		Agents []*presence.Entry `json:"agents"`
	}
	if err := reply.ParsePayload(&roster); err != nil {
		t.Fatalf("parse roster reply: %v", err)
	}
	if len(roster.Agents) != 2 {
		t.Errorf("roster size = %d, want 2", len(roster.Agents))
	}
}

func TestConnectRejectedWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name  string
		query string
	}{
		{"no parameters", ""},
		{"bare agent id", "agent_id=ag_000000000000"},
		{"bogus api key", "api_key=rf_live_bogus"},
		{"bogus challenge", "agent_id=ag_000000000000&challenge_response=bm9wZQ=="},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(tc.query), nil)
			if err == nil {
				conn.Close()
				t.Fatal("handshake accepted")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("response = %+v, want 401", resp)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if len(body) != 0 {
				t.Errorf("401 carried a body: %q", body)
			}
		})
	}
}

func TestAuthOutcomesPublished(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.NewSubscriber(16)
	sub.Subscribe(pubsub.HubEventsTyped("auth"))
	t.Cleanup(sub.Close)

	if _, _, err := websocket.DefaultDialer.Dial(f.wsURL("api_key=rf_live_wrong"), nil); err == nil {
		t.Fatal("bogus key accepted")
	}
	frame := recvHubEvent(t, sub)
	var failure struct {
		Method string `json:"method"`
		Result string `json:"result"`
		Reason string `json:"reason"`
	}
	if err := frame.ParsePayload(&failure); err != nil {
		t.Fatalf("parse auth event: %v", err)
	}
	if failure.Method != "registration" || failure.Result != "failure" || failure.Reason != "invalid_key" {
		t.Errorf("auth failure event = %+v", failure)
	}

	_, agentID := f.register(t, "probe", "")
	frame = recvHubEvent(t, sub)
	var success struct {
		Method  string `json:"method"`
		Result  string `json:"result"`
		AgentID string `json:"agent_id"`
	}
	if err := frame.ParsePayload(&success); err != nil {
		t.Fatalf("parse auth event: %v", err)
	}
	if success.Method != "registration" || success.Result != "success" || success.AgentID != agentID {
		t.Errorf("auth success event = %+v", success)
	}

	// Both outcomes reach the durable bus: the failure in the system
	// namespace, the success under the fleet.
	waitReplay(t, f.bus, eventbus.Topic(audit.SystemFleet, eventbus.KindTelemetry), 1)
	waitReplay(t, f.bus, eventbus.Topic("f-1", eventbus.KindTelemetry), 1)
}

func TestChallengeReconnect(t *testing.T) {
	f := newFixture(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	query := fmt.Sprintf("api_key=%s&name=sentinel&public_key=%s",
		f.rawKey, url.QueryEscape(base64.StdEncoding.EncodeToString(pub)))
	conn := f.dial(t, query)
	roster := readEvent(t, conn, wire.EventPresenceRoster)
	agentID := rosterAgentID(t, roster, "sentinel")
	conn.Close()
	f.waitSessions(t, 0)

	res, err := http.Post(f.srv.URL+"/auth/challenge", "application/json",
		strings.NewReader(fmt.Sprintf(`{"agent_id":%q}`, agentID)))
	if err != nil {
		t.Fatalf("challenge request: %v", err)
	}
	var issued struct {
		Challenge string `json:"challenge"`
	}
	if err := json.NewDecoder(res.Body).Decode(&issued); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	res.Body.Close()
	challengeBytes, err := base64.StdEncoding.DecodeString(issued.Challenge)
	if err != nil {
		t.Fatalf("challenge is not base64: %v", err)
	}

	// Reconnect with the signature in subprotocol tokens, the path for
	// clients that cannot vary the URL.
	response := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, challengeBytes))
	dialer := websocket.Dialer{Subprotocols: []string{
		"agent_id=" + agentID,
		"challenge_response=" + response,
	}}
	conn2, resp, err := dialer.Dial(f.wsURL(""), nil)
	if err != nil {
		t.Fatalf("challenge reconnect dial: %v", err)
	}
	t.Cleanup(func() { conn2.Close() })
	if echo := resp.Header.Get("Sec-WebSocket-Protocol"); !strings.Contains(echo, "agent_id="+agentID) {
		t.Errorf("subprotocol echo = %q", echo)
	}
	roster = readEvent(t, conn2, wire.EventPresenceRoster)
	if got := rosterAgentID(t, roster, "sentinel"); got != agentID {
		t.Errorf("reconnected as %s, want %s", got, agentID)
	}

	// Success consumed the challenge, so the same response cannot replay.
	if _, err := f.challenges.Peek(agentID); !errors.Is(err, challenge.ErrNoPending) {
		t.Errorf("Peek err = %v, want ErrNoPending", err)
	}
	if _, resp2, err := dialer.Dial(f.wsURL(""), nil); err == nil {
		t.Fatal("replayed challenge accepted")
	} else if resp2 == nil || resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay response = %+v, want 401", resp2)
	}
}

func TestChallengeEndpointRequiresAgentID(t *testing.T) {
	f := newFixture(t)
	res, err := http.Post(f.srv.URL+"/auth/challenge", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("challenge request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
}

func TestKeyReconnectEnforcesTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := &directory.Tenant{ID: "t-2", Name: "rival", CreatedAt: time.Now().UTC()}
	fleet := &directory.Fleet{ID: "f-2", TenantID: "t-2", Name: "prod", CreatedAt: time.Now().UTC()}
	if err := f.dirStore.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if err := f.dirStore.CreateFleet(ctx, fleet); err != nil {
		t.Fatalf("CreateFleet: %v", err)
	}
	foreignRaw, foreignKey := directory.NewAPIKey("t-2", "f-2", directory.KeyTypeLive)
	if err := f.dirStore.CreateAPIKey(ctx, foreignKey); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	conn, agentID := f.register(t, "walker", "")
	conn.Close()
	f.waitSessions(t, 0)

	if _, resp, err := websocket.DefaultDialer.Dial(
		f.wsURL("agent_id="+agentID+"&api_key="+foreignRaw), nil); err == nil {
		t.Fatal("cross-tenant reconnect accepted")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}

	conn2 := f.dial(t, "agent_id="+agentID+"&api_key="+f.rawKey)
	roster := readEvent(t, conn2, wire.EventPresenceRoster)
	if got := rosterAgentID(t, roster, "walker"); got != agentID {
		t.Errorf("reconnected as %s, want %s", got, agentID)
	}
}

func TestOfflineDirectDeliveredOnJoin(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.register(t, "sender", "")
	receiverConn, receiverID := f.register(t, "receiver", "")
	receiverConn.Close()
	f.waitSessions(t, 1)

	sendAction(t, sender, wire.ActionDirectSend, map[string]any{
		"to":             receiverID,
		"message":        map[string]any{"text": "while you were out"},
		"correlation_id": "corr-7",
	})
	reply := readReply(t, sender, wire.ActionDirectSend)
	var ack struct {
		Status        string `json:"status"`
		MessageID     string `json:"message_id"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := reply.ParsePayload(&ack); err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if ack.Status != router.StatusQueued || ack.CorrelationID != "corr-7" || ack.MessageID == "" {
		t.Errorf("ack = %+v", ack)
	}

	back := f.dial(t, "agent_id="+receiverID+"&api_key="+f.rawKey)
	msg := readEvent(t, back, wire.EventDirectMessage)
	var dm router.DirectMessage
	if err := msg.ParsePayload(&dm); err != nil {
		t.Fatalf("parse direct message: %v", err)
	}
	if dm.MessageID != ack.MessageID || dm.CorrelationID != "corr-7" || dm.To != receiverID {
		t.Errorf("message = %+v", dm)
	}

	// Drained means drained: the queue must not replay the envelope.
	expectNoEvent(t, back, wire.EventDirectMessage, 150*time.Millisecond)
}

func TestActionErrors(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.register(t, "probe", "")

	sendAction(t, conn, wire.ActionActivityBroadcast, map[string]any{
		"kind":           "vibes",
		"correlation_id": "c-1",
	})
	if p := readError(t, conn); p.Code != wire.ErrInvalidKind || p.CorrelationID != "c-1" {
		t.Errorf("broadcast error = %+v", p)
	}

	sendAction(t, conn, wire.ActionPresenceUpdate, map[string]any{"state": "zonked"})
	if p := readError(t, conn); p.Code != wire.ErrInvalidState {
		t.Errorf("presence error = %+v", p)
	}

	sendAction(t, conn, "warp:drive", map[string]any{"correlation_id": "c-2"})
	if p := readError(t, conn); p.Code != wire.ErrNotFound || p.CorrelationID != "c-2" {
		t.Errorf("unknown action error = %+v", p)
	}

	sendAction(t, conn, wire.ActionTaskGet, map[string]any{"task_id": "task_feedfacecafe0000"})
	if p := readError(t, conn); p.Code != wire.ErrNotFound {
		t.Errorf("task get error = %+v", p)
	}
}

func TestTaggedActivityRequiresSubscription(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.register(t, "pub", "")
	listener, _ := f.register(t, "sub", "")

	sendAction(t, listener, wire.ActionActivitySubscribe, map[string]any{"tags": []string{"gpu"}})
	reply := readReply(t, listener, wire.ActionActivitySubscribe)
	var subscribed struct {
		Tags []string `json:"subscribed_tags"`
	}
	if err := reply.ParsePayload(&subscribed); err != nil {
		t.Fatalf("parse subscribe reply: %v", err)
	}
	if len(subscribed.Tags) != 1 || subscribed.Tags[0] != "gpu" {
		t.Errorf("subscribed = %v", subscribed.Tags)
	}

	sendAction(t, sender, wire.ActionActivityBroadcast, map[string]any{
		"kind":  "discovery",
		"scope": "tagged",
		"tags":  []string{"gpu"},
		"data":  map[string]any{"vram": 80},
	})
	readReply(t, sender, wire.ActionActivityBroadcast)

	evt := readEvent(t, listener, wire.EventActivityBroadcast)
	var activity router.ActivityEvent
	if err := evt.ParsePayload(&activity); err != nil {
		t.Fatalf("parse activity: %v", err)
	}
	if activity.Kind != "discovery" || activity.Scope != router.ScopeTagged {
		t.Errorf("activity = %+v", activity)
	}

	// The sender holds no tag subscription; tagged traffic must not reach it
	// through the fleet topic.
	expectNoEvent(t, sender, wire.EventActivityBroadcast, 150*time.Millisecond)
}

func TestTaskRoundTripViaSocket(t *testing.T) {
	f := newFixture(t)
	requester, _ := f.register(t, "req", "")
	worker, workerID := f.register(t, "wrk", "embedding")

	sendAction(t, requester, wire.ActionTaskSubmit, map[string]any{
		"type":                  "embed",
		"prompt":                "vectorize the corpus",
		"capabilities_required": []string{"embedding"},
		"correlation_id":        "task-corr",
	})
	reply := readReply(t, requester, wire.ActionTaskSubmit)
	var submitted struct {
		TaskID        string `json:"task_id"`
		Status        string `json:"status"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := reply.ParsePayload(&submitted); err != nil {
		t.Fatalf("parse submit reply: %v", err)
	}
	if submitted.TaskID == "" || submitted.Status != string(scheduler.StatusPending) || submitted.CorrelationID != "task-corr" {
		t.Errorf("submit reply = %+v", submitted)
	}

	// Assignment happens on the next scheduler tick.
	f.clock.BlockUntil(1)
	f.clock.Advance(scheduler.DefaultTick)

	assigned := readEvent(t, worker, wire.EventTaskAssigned)
	var task scheduler.Task
	if err := assigned.ParsePayload(&task); err != nil {
		t.Fatalf("parse assignment: %v", err)
	}
	if task.TaskID != submitted.TaskID || task.AssignedTo != workerID {
		t.Errorf("assignment = %+v", task)
	}

	// Only the assignee may report.
	sendAction(t, requester, wire.ActionTaskResult, map[string]any{
		"task_id": task.TaskID,
		"result":  map[string]any{"ok": false},
	})
	if p := readError(t, requester); p.Code != wire.ErrForbidden {
		t.Errorf("non-assignee report error = %+v", p)
	}

	sendAction(t, worker, wire.ActionTaskResult, map[string]any{
		"task_id": task.TaskID,
		"result":  map[string]any{"vectors": 128},
	})
	ackFrame := readReply(t, worker, wire.ActionTaskResult)
	var ack wire.Ack
	if err := ackFrame.ParsePayload(&ack); err != nil {
		t.Fatalf("parse report ack: %v", err)
	}
	if !ack.OK || ack.Status != string(scheduler.StatusCompleted) {
		t.Errorf("report ack = %+v", ack)
	}

	result := readEvent(t, requester, wire.EventTaskResult)
	var env scheduler.TaskResult
	if err := result.ParsePayload(&env); err != nil {
		t.Fatalf("parse result envelope: %v", err)
	}
	if env.TaskID != task.TaskID || env.Status != scheduler.StatusCompleted || env.CorrelationID != "task-corr" {
		t.Errorf("result envelope = %+v", env)
	}

	sendAction(t, requester, wire.ActionTaskGet, map[string]any{"task_id": task.TaskID})
	got := readReply(t, requester, wire.ActionTaskGet)
	var lookup struct {
		Task *scheduler.Task `json:"task"`
	}
	if err := got.ParsePayload(&lookup); err != nil {
		t.Fatalf("parse task lookup: %v", err)
	}
	if lookup.Task == nil || lookup.Task.Status != scheduler.StatusCompleted {
		t.Errorf("task lookup = %+v", lookup.Task)
	}
}

func TestMemoryWatchAndRoundTrip(t *testing.T) {
	f := newFixture(t)
	writer, writerID := f.register(t, "writer", "")
	watcher, _ := f.register(t, "watcher", "")

	sendAction(t, watcher, wire.ActionMemoryWatch, map[string]any{"key": "plan"})
	readReply(t, watcher, wire.ActionMemoryWatch)

	sendAction(t, writer, wire.ActionMemorySet, map[string]any{
		"key":   "plan",
		"value": map[string]any{"phase": 2},
	})
	readReply(t, writer, wire.ActionMemorySet)

	changed := readEvent(t, watcher, wire.EventMemoryChanged)
	var change struct {
		Key       string `json:"key"`
		UpdatedBy string `json:"updated_by"`
	}
	if err := changed.ParsePayload(&change); err != nil {
		t.Fatalf("parse change: %v", err)
	}
	if change.Key != "plan" || change.UpdatedBy != writerID {
		t.Errorf("change = %+v", change)
	}

	sendAction(t, watcher, wire.ActionMemoryGet, map[string]any{"key": "plan"})
	reply := readReply(t, watcher, wire.ActionMemoryGet)
	var value router.MemoryValue
	if err := reply.ParsePayload(&value); err != nil {
		t.Fatalf("parse value: %v", err)
	}
	if !value.Found || value.UpdatedBy != writerID {
		t.Errorf("value = %+v", value)
	}
}

func TestDrainClosesSessionsAndRefusesNew(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.register(t, "fading", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.gw.Drain(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Errorf("close err = %v, want going away", err)
			}
			break
		}
	}
	f.waitSessions(t, 0)

	if _, resp, err := websocket.DefaultDialer.Dial(f.wsURL("api_key="+f.rawKey), nil); err == nil {
		t.Fatal("dial accepted while draining")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response = %+v, want 503", resp)
	}
}
