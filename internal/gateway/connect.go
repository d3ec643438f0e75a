package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/audit"
	"github.com/ringforge/ringforge/internal/challenge"
	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/metrics"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/pkg/wire"
)

// Authentication methods as they appear in metrics, telemetry, and audit
// records.
const (
	authRegistration       = "registration"
	authKeyReconnect       = "key_reconnect"
	authChallengeReconnect = "challenge_reconnect"
	authUnknown            = "unknown"
)

// authEventType names the hub event emitted for every authentication
// outcome, success or failure.
const authEventType = "auth"

const busPublishTimeout = 10 * time.Second

// errMalformedConnect rejects connect attempts whose parameter shape matches
// no authentication mode. A bare agent_id lands here.
var errMalformedConnect = errors.New("gateway: connect parameters match no authentication mode")

// connectParams is everything the client passed on the upgrade request,
// via the query string or via Sec-WebSocket-Protocol tokens.
type connectParams struct {
	apiKey            string
	inviteCode        string
	agentID           string
	challengeResponse string
	name              string
	framework         string
	capabilities      []string
	publicKey         string
	squad             string

	// subprotocol holds the raw header when the credentials arrived as
	// subprotocol tokens; the accept response must echo it.
	subprotocol string
}

func (p *connectParams) viaSubprotocol() bool {
	return p.subprotocol != ""
}

func (p *connectParams) registerParams() directory.RegisterParams {
	return directory.RegisterParams{
		Name:         p.name,
		Framework:    p.framework,
		Capabilities: p.capabilities,
		PublicKey:    p.publicKey,
		SquadID:      p.squad,
	}
}

// parseConnectParams reads connect parameters from the query string. When the
// query carries no credential at all, it falls back to Sec-WebSocket-Protocol
// tokens, for clients whose WebSocket API cannot set a URL per connection.
func parseConnectParams(r *http.Request) *connectParams {
	q := r.URL.Query()
	p := &connectParams{
		apiKey:            q.Get("api_key"),
		inviteCode:        q.Get("invite_code"),
		agentID:           q.Get("agent_id"),
		challengeResponse: q.Get("challenge_response"),
		name:              q.Get("name"),
		framework:         q.Get("framework"),
		capabilities:      splitCapabilities(q.Get("capabilities")),
		publicKey:         q.Get("public_key"),
		squad:             q.Get("squad"),
	}
	if p.apiKey == "" && p.inviteCode == "" && p.agentID == "" {
		if header := r.Header.Get("Sec-WebSocket-Protocol"); header != "" {
			subprotocolParams(r, p)
			p.subprotocol = header
		}
	}
	return p
}

// subprotocolParams folds "key=value" subprotocol tokens into p. Only the
// first '=' splits a token, and values are taken verbatim: unescaping would
// corrupt base64 padding and '+' bytes.
func subprotocolParams(r *http.Request, p *connectParams) {
	for _, token := range websocket.Subprotocols(r) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "api_key":
			p.apiKey = value
		case "invite_code":
			p.inviteCode = value
		case "agent_id":
			p.agentID = value
		case "challenge_response":
			p.challengeResponse = value
		case "name":
			p.name = value
		case "framework":
			p.framework = value
		case "capabilities":
			p.capabilities = splitCapabilities(value)
		case "public_key":
			p.publicKey = value
		case "squad":
			p.squad = value
		}
	}
}

// splitCapabilities accepts comma and plus separators. Subprotocol tokens
// cannot carry commas, so clients join with '+' there.
func splitCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '+'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// authResult is the outcome of one connect attempt.
type authResult struct {
	agent   *directory.Agent
	method  string
	created bool
	err     error
}

// authenticate resolves the parameter shape to one of the three
// authentication modes. Field presence decides the mode; any other shape is
// rejected without touching the directory.
func (g *Gateway) authenticate(ctx context.Context, p *connectParams) authResult {
	switch {
	case p.agentID != "" && p.apiKey != "":
		agent, err := g.directory.ReconnectWithKey(ctx, p.agentID, p.apiKey)
		return authResult{agent: agent, method: authKeyReconnect, err: err}
	case p.apiKey != "":
		key, err := g.directory.ValidateKey(ctx, p.apiKey)
		if err != nil {
			return authResult{method: authRegistration, err: err}
		}
		agent, created, err := g.directory.Register(ctx, key, p.registerParams())
		return authResult{agent: agent, method: authRegistration, created: created, err: err}
	case p.inviteCode != "":
		agent, created, err := g.directory.RegisterWithInvite(ctx, p.inviteCode, p.registerParams())
		return authResult{agent: agent, method: authRegistration, created: created, err: err}
	case p.agentID != "" && p.challengeResponse != "":
		agent, err := g.directory.ReconnectWithChallenge(ctx, p.agentID, p.challengeResponse)
		return authResult{agent: agent, method: authChallengeReconnect, err: err}
	default:
		return authResult{method: authUnknown, err: errMalformedConnect}
	}
}

// emitAuthOutcome reports one authentication attempt to metrics, the hub
// event stream, the fleet telemetry topic, and the audit trail. The socket
// itself never learns the reason; rejected upgrades get a bare 401.
func (g *Gateway) emitAuthOutcome(res authResult) {
	result := "success"
	action := "auth_succeeded"
	if res.err != nil {
		result = "failure"
		action = "auth_failed"
	}
	metrics.AuthTotal.WithLabelValues(res.method, result).Inc()

	var tenantID, fleetID, agentID string
	if res.agent != nil {
		tenantID = res.agent.TenantID
		fleetID = res.agent.FleetID
		agentID = res.agent.AgentID
	}

	detail := map[string]any{
		"method":    res.method,
		"result":    result,
		"timestamp": wire.Timestamp(time.Now()),
	}
	if agentID != "" {
		detail["agent_id"] = agentID
	}
	if res.err != nil {
		detail["reason"] = authFailureReason(res.err)
	}

	if frame, err := wire.NewEvent(authEventType, detail); err == nil {
		if raw, err := wire.Encode(frame); err == nil {
			g.broker.Publish(pubsub.HubEvents, raw)
			g.broker.Publish(pubsub.HubEventsTyped(authEventType), raw)
		}
	}

	g.publishAuthTelemetry(fleetID, agentID, detail)

	if g.audit != nil {
		g.audit.Record(&audit.Record{
			TenantID: tenantID,
			FleetID:  fleetID,
			AgentID:  agentID,
			Action:   action,
			Detail:   detail,
		})
	}
}

// publishAuthTelemetry mirrors the auth outcome onto the durable bus, off
// the upgrade path. Failed attempts have no fleet and land in the system
// namespace.
func (g *Gateway) publishAuthTelemetry(fleetID, agentID string, detail map[string]any) {
	fleet := fleetID
	if fleet == "" {
		fleet = audit.SystemFleet
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return
	}
	evt := &eventbus.Event{
		ID:        ident.NewEventID(),
		Kind:      eventbus.KindTelemetry,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
		defer cancel()
		if err := g.bus.Publish(ctx, eventbus.Topic(fleet, eventbus.KindTelemetry), evt); err != nil {
			g.logger.Warn("auth telemetry publish failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}()
}

// authFailureReason maps directory and challenge errors to the short reason
// strings carried in telemetry.
func authFailureReason(err error) string {
	switch {
	case errors.Is(err, errMalformedConnect):
		return "malformed_connect"
	case errors.Is(err, directory.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, directory.ErrKeyNotFleetScoped):
		return "key_not_fleet_scoped"
	case errors.Is(err, directory.ErrCrossTenant):
		return "cross_tenant"
	case errors.Is(err, directory.ErrNoPublicKey):
		return "no_public_key"
	case errors.Is(err, directory.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, directory.ErrNotFound):
		return "agent_not_found"
	case errors.Is(err, directory.ErrDuplicateName):
		return "duplicate_name"
	case errors.Is(err, challenge.ErrNoPending):
		return "no_pending_challenge"
	case errors.Is(err, challenge.ErrExpired):
		return "challenge_expired"
	case errors.Is(err, challenge.ErrMismatch):
		return "challenge_mismatch"
	default:
		return "invalid"
	}
}
