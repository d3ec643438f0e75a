package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/pkg/wire"
)

// errAuthRejected stops the redial loop; retrying bad credentials would
// only spam the hub's audit trail.
var errAuthRejected = errors.New("hub rejected credentials")

// agentConfig collects the command line knobs for one simulated agent.
type agentConfig struct {
	HubURL       string
	APIKey       string
	InviteCode   string
	AgentID      string
	Name         string
	Framework    string
	Capabilities string
	Squad        string
	Profile      string
	Heartbeat    time.Duration
	SubmitPrompt string
	SubmitCaps   string
}

// agent is one simulated fleet member: a single hub connection plus the
// goroutines that answer its traffic.
type agent struct {
	cfg agentConfig
	log *logger.Logger

	mu      sync.Mutex // guards conn and agentID
	conn    *websocket.Conn
	agentID string

	inflight  atomic.Int64
	submitted bool // one-shot --submit guard, read loop only
}

func newAgent(cfg agentConfig, log *logger.Logger) *agent {
	return &agent{
		cfg:     cfg,
		log:     log.Named("agent"),
		agentID: cfg.AgentID,
	}
}

// Run dials the hub and serves the connection until ctx ends, redialing
// with the learned identity when the hub goes away.
func (a *agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		started := time.Now()
		err := a.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errAuthRejected) {
			return err
		}
		// A session that held for a while earns a fresh backoff ladder.
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		attempt++
		wait := backoff(attempt)
		a.log.WithError(err).Warn("connection lost, redialing", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoff doubles from one second and tops out at eight.
func backoff(attempt int) time.Duration {
	if attempt > 4 {
		attempt = 4
	}
	return time.Second << uint(attempt-1)
}

// serve runs one connection to completion: read loop plus heartbeat, and
// a clean close frame when ctx ends.
func (a *agent) serve(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeat(sctx)
	}()
	go func() {
		defer wg.Done()
		<-sctx.Done()
		// The close frame tells the hub this is a leave, not a crash. It
		// also unblocks the read loop via the peer's close reply.
		a.writeControl(websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
		time.Sleep(200 * time.Millisecond)
		conn.Close()
	}()

	err = a.readLoop(sctx, conn)
	cancel()
	wg.Wait()
	return err
}

// dial opens the websocket with whichever credentials the flags provide.
// The first connection registers; later ones resume the learned identity.
func (a *agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(a.cfg.HubURL)
	if err != nil {
		return nil, fmt.Errorf("parsing hub url: %w", err)
	}
	q := u.Query()
	switch {
	case a.identity() != "" && a.cfg.APIKey != "":
		q.Set("agent_id", a.identity())
		q.Set("api_key", a.cfg.APIKey)
	case a.cfg.APIKey != "":
		q.Set("api_key", a.cfg.APIKey)
		a.fillProfile(q)
	default:
		q.Set("invite_code", a.cfg.InviteCode)
		a.fillProfile(q)
	}
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", errAuthRejected, resp.Status)
		}
		return nil, err
	}
	a.log.Info("connected", zap.String("hub", u.Host))
	return conn, nil
}

// fillProfile attaches the registration descriptors to the dial query.
func (a *agent) fillProfile(q url.Values) {
	q.Set("name", a.cfg.Name)
	q.Set("framework", a.cfg.Framework)
	if a.cfg.Capabilities != "" {
		q.Set("capabilities", a.cfg.Capabilities)
	}
	if a.cfg.Squad != "" {
		q.Set("squad", a.cfg.Squad)
	}
}

func (a *agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := wire.Decode(data)
		if err != nil {
			a.log.WithError(err).Warn("undecodable frame")
			continue
		}
		a.handle(ctx, frame)
	}
}

// handle routes one hub frame. Unknown events are dropped quietly so an
// old agent keeps working when the hub vocabulary grows.
func (a *agent) handle(ctx context.Context, frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameTypeEvent:
		a.handleEvent(ctx, frame)
	case wire.FrameTypeReply:
		a.handleReply(frame)
	case wire.FrameTypeError:
		var p wire.ErrorPayload
		_ = frame.ParsePayload(&p)
		a.log.Warn("hub rejected action",
			zap.String("action", frame.Action),
			zap.String("code", p.Code),
			zap.String("message", p.Message))
	}
}

func (a *agent) handleEvent(ctx context.Context, frame *wire.Frame) {
	switch frame.Event {
	case wire.EventPresenceRoster:
		var p rosterEvent
		if err := frame.ParsePayload(&p); err != nil {
			return
		}
		a.learnIdentity(p.Agents)
		a.log.Info("joined fleet", zap.String("agent_id", a.identity()), zap.Int("roster", len(p.Agents)))
		a.maybeSubmit()
	case wire.EventPresenceJoined:
		var p joinedEvent
		if err := frame.ParsePayload(&p); err != nil {
			return
		}
		if p.Agent.AgentID != a.identity() {
			a.log.Info("peer joined", zap.String("agent_id", p.Agent.AgentID), zap.String("name", p.Agent.Name))
		}
	case wire.EventPresenceLeft:
		var p leftEvent
		if err := frame.ParsePayload(&p); err != nil {
			return
		}
		a.log.Info("peer left", zap.String("agent_id", p.AgentID), zap.String("name", p.Name))
	case wire.EventTaskAssigned:
		var t assignment
		if err := frame.ParsePayload(&t); err != nil {
			a.log.WithError(err).Warn("bad assignment payload")
			return
		}
		go a.work(ctx, t)
	case wire.EventTaskResult:
		var t taskResult
		if err := frame.ParsePayload(&t); err != nil {
			return
		}
		a.log.Info("task finished",
			zap.String("task_id", t.TaskID),
			zap.String("status", t.Status),
			zap.String("error", t.Error),
			zap.ByteString("result", t.Result))
	case wire.EventTaskTimeout:
		var t taskResult
		if err := frame.ParsePayload(&t); err != nil {
			return
		}
		a.log.Warn("task timed out", zap.String("task_id", t.TaskID))
	case wire.EventDirectMessage:
		var msg directMessage
		if err := frame.ParsePayload(&msg); err != nil {
			return
		}
		a.handleDirect(msg)
	case wire.EventActivityBroadcast:
		var evt activityEvent
		if err := frame.ParsePayload(&evt); err != nil {
			return
		}
		if evt.AgentID != a.identity() {
			a.log.Info("fleet activity", zap.String("kind", evt.Kind), zap.String("from", evt.AgentID))
		}
	case wire.EventMemoryChanged:
		var chg memoryChange
		if err := frame.ParsePayload(&chg); err != nil {
			return
		}
		a.log.Info("memory changed", zap.String("key", chg.Key), zap.String("by", chg.UpdatedBy))
	}
}

func (a *agent) handleReply(frame *wire.Frame) {
	switch frame.Action {
	case wire.ActionTaskSubmit:
		var p struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := frame.ParsePayload(&p); err != nil {
			return
		}
		a.log.Info("task submitted", zap.String("task_id", p.TaskID), zap.String("status", p.Status))
	case wire.ActionDirectSend:
		var p struct {
			Status string `json:"status"`
			To     string `json:"to"`
		}
		if err := frame.ParsePayload(&p); err != nil {
			return
		}
		a.log.Debug("direct send", zap.String("to", p.To), zap.String("status", p.Status))
	default:
		a.log.Debug("reply", zap.String("action", frame.Action))
	}
}

// work simulates one assignment: think for the profile's delay, then
// report a canned completion.
func (a *agent) work(ctx context.Context, t assignment) {
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	a.log.Info("task assigned",
		zap.String("task_id", t.TaskID),
		zap.String("type", t.Type),
		zap.String("prompt", t.Prompt))

	start := time.Now()
	if !sleepCtx(ctx, randomDelay(a.cfg.Profile)) {
		return
	}
	result, err := json.Marshal(map[string]any{
		"text":       fmt.Sprintf("%s handled %q", a.cfg.Name, t.Type),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		return
	}
	a.send(wire.ActionTaskResult, map[string]any{
		"task_id": t.TaskID,
		"result":  json.RawMessage(result),
	})
}

// handleDirect logs the message and answers pings, the one request type
// the demo speaks. Pongs are not answered, two demo agents would rally
// forever.
func (a *agent) handleDirect(msg directMessage) {
	kind := messageKind(msg.Message)
	a.log.Info("direct message",
		zap.String("from", msg.From),
		zap.String("from_name", msg.FromName),
		zap.String("kind", kind))
	if kind != "ping" {
		return
	}
	pong, err := json.Marshal(map[string]string{"type": "pong", "agent": a.cfg.Name})
	if err != nil {
		return
	}
	a.send(wire.ActionDirectSend, map[string]any{
		"to":             msg.From,
		"message":        json.RawMessage(pong),
		"correlation_id": msg.CorrelationID,
	})
}

// maybeSubmit fires the one-shot submission requested on the command
// line, once the roster push confirms the session is live.
func (a *agent) maybeSubmit() {
	if a.cfg.SubmitPrompt == "" || a.submitted {
		return
	}
	a.submitted = true
	req := map[string]any{
		"type":   "demo",
		"prompt": a.cfg.SubmitPrompt,
	}
	if a.cfg.SubmitCaps != "" {
		req["capabilities_required"] = splitList(a.cfg.SubmitCaps)
	}
	a.send(wire.ActionTaskSubmit, req)
}

// heartbeat publishes a presence patch on every tick so the roster shows
// a live state and load figure.
func (a *agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, load := "online", float64(0)
			if n := a.inflight.Load(); n > 0 {
				state = "busy"
				load = math.Min(1, float64(n)*0.25)
			}
			a.send(wire.ActionPresenceUpdate, map[string]any{
				"state": state,
				"load":  load,
			})
		}
	}
}

// send ships one action frame. Hub-side failures come back as error
// frames on the read loop, so the caller never waits.
func (a *agent) send(action string, payload any) {
	frame, err := wire.NewAction(action, payload)
	if err != nil {
		a.log.WithError(err).Error("encode action", zap.String("action", action))
		return
	}
	data, err := wire.Encode(frame)
	if err != nil {
		a.log.WithError(err).Error("encode frame", zap.String("action", action))
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.log.WithError(err).Warn("write failed", zap.String("action", action))
	}
}

func (a *agent) writeControl(payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return
	}
	_ = a.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
}

func (a *agent) identity() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID
}

// learnIdentity finds this agent's entry in the roster by name. Only the
// first sighting sticks; reconnects already know who they are.
func (a *agent) learnIdentity(entries []rosterEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.agentID != "" {
		return
	}
	for _, e := range entries {
		if e.Name == a.cfg.Name {
			a.agentID = e.AgentID
			return
		}
	}
}

// delayRange returns the simulated work bounds in milliseconds for a
// speed profile.
func delayRange(profile string) (int, int) {
	switch profile {
	case "fast":
		return 10, 50
	case "slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

// randomDelay picks a work duration within the profile's range.
func randomDelay(profile string) time.Duration {
	lo, hi := delayRange(profile)
	return time.Duration(lo+rand.Intn(hi-lo+1)) * time.Millisecond
}

// sleepCtx waits d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// splitList turns a comma separated flag into a clean slice.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// messageKind probes the opaque body for a type discriminator.
func messageKind(body json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Type
}
