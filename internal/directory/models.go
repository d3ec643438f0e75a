package directory

import (
	"encoding/json"
	"time"
)

// KeyType classifies an API key by the prefix of its raw form.
type KeyType string

const (
	KeyTypeLive  KeyType = "live"
	KeyTypeTest  KeyType = "test"
	KeyTypeAdmin KeyType = "admin"
)

// Tenant is the isolation boundary owning fleets and API keys. Tenants are
// provisioned externally; the hub only reads them.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Plan      string    `json:"plan" db:"plan"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Fleet groups agents within a tenant. Name is unique per tenant.
type Fleet struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// APIKey grants the ability to register agents. Only the SHA-256 hash of the
// raw key is stored; the prefix is kept for display.
type APIKey struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	FleetID   string     `json:"fleet_id,omitempty" db:"fleet_id"`
	KeyHash   string     `json:"-" db:"key_hash"`
	KeyPrefix string     `json:"key_prefix" db:"key_prefix"`
	Type      KeyType    `json:"type" db:"key_type"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Active reports whether the key is neither revoked nor expired at t.
func (k *APIKey) Active(t time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(t) {
		return false
	}
	return true
}

// Agent is the durable identity of one participant. A named agent is unique
// within its fleet; unnamed agents are always distinct rows.
type Agent struct {
	AgentID          string    `json:"agent_id" db:"agent_id"`
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	FleetID          string    `json:"fleet_id" db:"fleet_id"`
	SquadID          string    `json:"squad_id,omitempty" db:"squad_id"`
	Name             string    `json:"name,omitempty" db:"name"`
	Framework        string    `json:"framework,omitempty" db:"framework"`
	Capabilities     []string  `json:"capabilities" db:"-"`
	PublicKey        []byte    `json:"-" db:"public_key"`
	LastSeenAt       time.Time `json:"last_seen_at" db:"last_seen_at"`
	TotalConnections int64     `json:"total_connections" db:"total_connections"`
	TotalMessages    int64     `json:"total_messages" db:"total_messages"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy so callers cannot alias store-owned state.
func (a *Agent) Clone() *Agent {
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	out.PublicKey = append([]byte(nil), a.PublicKey...)
	return &out
}

// InviteCode is a limited-use registration credential bound to one fleet.
type InviteCode struct {
	Code      string     `json:"code" db:"code"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	FleetID   string     `json:"fleet_id" db:"fleet_id"`
	MaxUses   int        `json:"max_uses" db:"max_uses"`
	Uses      int        `json:"uses" db:"uses"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Usable reports whether the code still has uses left and has not expired.
func (c *InviteCode) Usable(t time.Time) bool {
	if c.MaxUses > 0 && c.Uses >= c.MaxUses {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(t) {
		return false
	}
	return true
}

// AuditLog is one appended audit record. Detail is an opaque JSON object.
type AuditLog struct {
	ID        string          `json:"id" db:"id"`
	TenantID  string          `json:"tenant_id,omitempty" db:"tenant_id"`
	FleetID   string          `json:"fleet_id,omitempty" db:"fleet_id"`
	AgentID   string          `json:"agent_id,omitempty" db:"agent_id"`
	Action    string          `json:"action" db:"action"`
	Detail    json.RawMessage `json:"detail" db:"detail"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
