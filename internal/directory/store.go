// Package directory owns the relational side of the hub: tenants, fleets,
// API keys, agent identities, invite codes, and the audit table. The Service
// on top implements key validation, register-or-reconnect, and Ed25519 key
// binding; the Store interface abstracts the backing database.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound marks a missing tenant, fleet, agent, key, or invite code.
	ErrNotFound = errors.New("directory: not found")
	// ErrDuplicateName marks an insert that collided with an existing
	// (fleet_id, name) pair. Callers retry the lookup.
	ErrDuplicateName = errors.New("directory: agent name already registered in fleet")
	// ErrDuplicateKey marks an API key hash collision on insert.
	ErrDuplicateKey = errors.New("directory: api key hash already exists")
	// ErrInviteUnusable marks an invite code that is exhausted or expired.
	ErrInviteUnusable = errors.New("directory: invite code exhausted or expired")
)

// Store is the persistence contract for the directory. Implementations:
// the sqlx-backed SQLStore (SQLite or PostgreSQL) and the MemoryStore used
// in tests.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	CreateFleet(ctx context.Context, f *Fleet) error
	GetFleet(ctx context.Context, id string) (*Fleet, error)

	CreateAPIKey(ctx context.Context, k *APIKey) error
	// GetActiveAPIKeyByHash returns the key for hash only when it is not
	// revoked and not expired; every other outcome is ErrNotFound.
	GetActiveAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)

	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	GetAgentByName(ctx context.Context, fleetID, name string) (*Agent, error)
	// RecordReconnect refreshes framework and capabilities, bumps
	// total_connections, and touches last_seen_at. A nil publicKey leaves
	// the stored key untouched.
	RecordReconnect(ctx context.Context, agentID, framework string, capabilities []string, publicKey []byte) error
	SetAgentPublicKey(ctx context.Context, agentID string, publicKey []byte) error
	TouchAgent(ctx context.Context, agentID string) error
	AddAgentMessages(ctx context.Context, agentID string, delta int64) error

	CreateInviteCode(ctx context.Context, c *InviteCode) error
	// RedeemInviteCode atomically consumes one use and returns the code row.
	RedeemInviteCode(ctx context.Context, code string) (*InviteCode, error)

	AppendAuditLog(ctx context.Context, entry *AuditLog) error

	Close() error
}
