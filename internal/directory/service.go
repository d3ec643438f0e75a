package directory

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/common/logger"
)

var (
	// ErrInvalidKey is the single opaque failure for every bad API key:
	// unknown, revoked, or expired. Collapsing them closes the oracle side
	// channel.
	ErrInvalidKey = errors.New("directory: invalid api key")
	// ErrKeyNotFleetScoped marks a registration attempt with a key that
	// carries no fleet binding.
	ErrKeyNotFleetScoped = errors.New("directory: api key is not bound to a fleet")
	// ErrCrossTenant marks a reconnect where the key and the agent belong
	// to different tenants.
	ErrCrossTenant = errors.New("directory: agent belongs to a different tenant")
	// ErrNoPublicKey marks a challenge reconnect for an agent without a
	// bound Ed25519 key.
	ErrNoPublicKey = errors.New("directory: agent has no bound public key")
	// ErrInvalidPublicKey marks a key that does not decode to 32 bytes.
	ErrInvalidPublicKey = errors.New("directory: public key must decode to 32 bytes")
	// ErrInvalidSignature covers both undecodable and unverifiable
	// challenge signatures.
	ErrInvalidSignature = errors.New("directory: signature verification failed")
)

// Challenges is the slice of the challenge store the directory needs:
// reading the pending token for signature verification and revoking it once
// consumed or invalidated by key rotation.
type Challenges interface {
	Peek(agentID string) (string, error)
	Revoke(agentID string)
}

// RegisterParams carries the agent block of a registration connect.
type RegisterParams struct {
	Name         string
	Framework    string
	Capabilities []string
	PublicKey    string // base64, optional
	SquadID      string
}

// Service implements key validation, register-or-reconnect, and Ed25519 key
// binding on top of a Store.
type Service struct {
	store      Store
	challenges Challenges
	logger     *logger.Logger
}

// NewService creates the directory service. challenges may be nil in tests
// that never touch the challenge flows.
func NewService(store Store, challenges Challenges, log *logger.Logger) *Service {
	return &Service{
		store:      store,
		challenges: challenges,
		logger:     log.Named("directory"),
	}
}

// HashKey returns the hex SHA-256 digest of a raw API key. The raw key is
// never persisted.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey mints a raw key of the given type and the row storing its hash.
// The raw form is returned exactly once; only the hash survives.
func NewAPIKey(tenantID, fleetID string, keyType KeyType) (string, *APIKey) {
	raw := ident.NewRawAPIKey(string(keyType))
	return raw, &APIKey{
		TenantID:  tenantID,
		FleetID:   fleetID,
		KeyHash:   HashKey(raw),
		KeyPrefix: ident.KeyPrefix(raw),
		Type:      keyType,
		CreatedAt: time.Now().UTC(),
	}
}

// ValidateKey resolves a raw API key to its active row. All failures are
// ErrInvalidKey.
func (s *Service) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}
	key, err := s.store.GetActiveAPIKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// Register creates or reconnects an agent under the fleet the key is bound
// to. The bool result is true when a new row was inserted.
func (s *Service) Register(ctx context.Context, key *APIKey, p RegisterParams) (*Agent, bool, error) {
	if key.FleetID == "" {
		return nil, false, ErrKeyNotFleetScoped
	}
	return s.registerInFleet(ctx, key.TenantID, key.FleetID, p)
}

// RegisterWithInvite redeems an invite code and registers under its fleet.
// Invite failures collapse to ErrInvalidKey just like key failures.
func (s *Service) RegisterWithInvite(ctx context.Context, code string, p RegisterParams) (*Agent, bool, error) {
	invite, err := s.store.RedeemInviteCode(ctx, code)
	if err != nil {
		return nil, false, ErrInvalidKey
	}
	return s.registerInFleet(ctx, invite.TenantID, invite.FleetID, p)
}

func (s *Service) registerInFleet(ctx context.Context, tenantID, fleetID string, p RegisterParams) (*Agent, bool, error) {
	publicKey := s.optionalPublicKey(p.PublicKey)

	// Unnamed agents always get a fresh row.
	if p.Name == "" {
		agent := s.newAgent(tenantID, fleetID, p, publicKey)
		if err := s.store.CreateAgent(ctx, agent); err != nil {
			return nil, false, err
		}
		return agent, true, nil
	}

	// Named agents upsert on (name, fleet). Two concurrent first
	// connections converge on one row: the insert loser retries the lookup
	// and lands on the reconnect path.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.store.GetAgentByName(ctx, fleetID, p.Name)
		if err == nil {
			if err := s.store.RecordReconnect(ctx, existing.AgentID, p.Framework, p.Capabilities, publicKey); err != nil {
				return nil, false, err
			}
			agent, err := s.store.GetAgent(ctx, existing.AgentID)
			return agent, false, err
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}

		agent := s.newAgent(tenantID, fleetID, p, publicKey)
		err = s.store.CreateAgent(ctx, agent)
		if err == nil {
			return agent, true, nil
		}
		if !errors.Is(err, ErrDuplicateName) {
			return nil, false, err
		}
	}
	return nil, false, ErrDuplicateName
}

func (s *Service) newAgent(tenantID, fleetID string, p RegisterParams, publicKey []byte) *Agent {
	now := time.Now().UTC()
	return &Agent{
		AgentID:          ident.NewAgentID(),
		TenantID:         tenantID,
		FleetID:          fleetID,
		SquadID:          p.SquadID,
		Name:             p.Name,
		Framework:        p.Framework,
		Capabilities:     append([]string(nil), p.Capabilities...),
		PublicKey:        publicKey,
		LastSeenAt:       now,
		TotalConnections: 1,
		CreatedAt:        now,
	}
}

// optionalPublicKey decodes the registration public key or drops it. An
// invalid key at registration is skipped, not fatal; explicit rotation is
// where invalid keys become errors.
func (s *Service) optionalPublicKey(encoded string) []byte {
	if encoded == "" {
		return nil
	}
	publicKey, err := decodePublicKey(encoded)
	if err != nil {
		s.logger.Debug("ignoring invalid registration public key", zap.Error(err))
		return nil
	}
	return publicKey
}

func decodePublicKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return raw, nil
}

// ReconnectWithKey authenticates {agent_id, api_key}: the key must be
// active and belong to the agent's tenant.
func (s *Service) ReconnectWithKey(ctx context.Context, agentID, rawKey string) (*Agent, error) {
	key, err := s.ValidateKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.TenantID != key.TenantID {
		return nil, ErrCrossTenant
	}
	if err := s.store.TouchAgent(ctx, agentID); err != nil {
		return nil, err
	}
	agent.LastSeenAt = time.Now().UTC()
	return agent, nil
}

// ReconnectWithChallenge authenticates {agent_id, challenge_response}: the
// response must be a valid Ed25519 signature by the agent's bound key over
// the raw bytes of its pending challenge. Success consumes the challenge.
func (s *Service) ReconnectWithChallenge(ctx context.Context, agentID, challengeResponse string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(agent.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrNoPublicKey
	}

	token, err := s.challenges.Peek(agentID)
	if err != nil {
		return nil, err
	}
	challengeBytes, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		// The store only ever holds tokens we issued.
		return nil, ErrInvalidSignature
	}
	signature, err := base64.StdEncoding.DecodeString(challengeResponse)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(agent.PublicKey), challengeBytes, signature) {
		return nil, ErrInvalidSignature
	}

	s.challenges.Revoke(agentID)
	if err := s.store.TouchAgent(ctx, agentID); err != nil {
		return nil, err
	}
	agent.LastSeenAt = time.Now().UTC()
	return agent, nil
}

// RotatePublicKey binds a new Ed25519 key and revokes any pending
// challenge, so the previous key cannot complete an in-flight handshake.
func (s *Service) RotatePublicKey(ctx context.Context, agentID, encoded string) error {
	publicKey, err := decodePublicKey(encoded)
	if err != nil {
		return err
	}
	if err := s.store.SetAgentPublicKey(ctx, agentID, publicKey); err != nil {
		return err
	}
	if s.challenges != nil {
		s.challenges.Revoke(agentID)
	}
	s.logger.Info("public key rotated", zap.String("agent_id", agentID))
	return nil
}

// GetAgent loads one agent row.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	return s.store.GetAgent(ctx, agentID)
}

// GetFleet loads one fleet row.
func (s *Service) GetFleet(ctx context.Context, fleetID string) (*Fleet, error) {
	return s.store.GetFleet(ctx, fleetID)
}

// Touch refreshes last_seen_at, typically on socket close or pong.
func (s *Service) Touch(ctx context.Context, agentID string) {
	if err := s.store.TouchAgent(ctx, agentID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("touch agent failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// CountMessages adds delta to the agent's total_messages counter.
func (s *Service) CountMessages(ctx context.Context, agentID string, delta int64) {
	if err := s.store.AddAgentMessages(ctx, agentID, delta); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("message counter update failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}
