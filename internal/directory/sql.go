package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/db"
	"github.com/ringforge/ringforge/internal/db/dialect"
)

// SQLStore is the sqlx-backed Store, working against SQLite or PostgreSQL
// through the shared db.Pool.
type SQLStore struct {
	db *db.Pool
}

// NewSQLStore wraps pool and creates the schema when missing.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init directory schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	blob := dialect.BlobType(s.db.DriverName())

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			plan TEXT NOT NULL DEFAULT 'free',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fleets (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			fleet_id TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL DEFAULT '',
			key_type TEXT NOT NULL DEFAULT 'live',
			expires_at TIMESTAMP,
			revoked_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			fleet_id TEXT NOT NULL,
			squad_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			framework TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			public_key %s,
			last_seen_at TIMESTAMP NOT NULL,
			total_connections INTEGER NOT NULL DEFAULT 0,
			total_messages INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`, blob),
		// Named agents are unique per fleet; unnamed rows stay out of the
		// index so they can repeat.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_fleet_name
			ON agents(fleet_id, name) WHERE name != ''`,
		`CREATE INDEX IF NOT EXISTS idx_agents_fleet ON agents(fleet_id)`,
		`CREATE TABLE IF NOT EXISTS invite_codes (
			code TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			fleet_id TEXT NOT NULL,
			max_uses INTEGER NOT NULL DEFAULT 1,
			uses INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			fleet_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_fleet
			ON audit_logs(fleet_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Plan == "" {
		t.Plan = "free"
	}
	_, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		INSERT INTO tenants (id, name, plan, created_at) VALUES (?, ?, ?, ?)
	`), t.ID, t.Name, t.Plan, t.CreatedAt)
	return err
}

func (s *SQLStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	err := s.db.Reader().QueryRowContext(ctx, s.db.Reader().Rebind(`
		SELECT id, name, plan, created_at FROM tenants WHERE id = ?
	`), id).Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) CreateFleet(ctx context.Context, f *Fleet) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		INSERT INTO fleets (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)
	`), f.ID, f.TenantID, f.Name, f.CreatedAt)
	return err
}

func (s *SQLStore) GetFleet(ctx context.Context, id string) (*Fleet, error) {
	f := &Fleet{}
	err := s.db.Reader().QueryRowContext(ctx, s.db.Reader().Rebind(`
		SELECT id, tenant_id, name, created_at FROM fleets WHERE id = ?
	`), id).Scan(&f.ID, &f.TenantID, &f.Name, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SQLStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.Type == "" {
		k.Type = KeyTypeLive
	}
	_, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		INSERT INTO api_keys (id, tenant_id, fleet_id, key_hash, key_prefix, key_type, expires_at, revoked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), k.ID, k.TenantID, k.FleetID, k.KeyHash, k.KeyPrefix, string(k.Type), k.ExpiresAt, k.RevokedAt, k.CreatedAt)
	if dialect.IsUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (s *SQLStore) GetActiveAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k := &APIKey{}
	var keyType string
	var expiresAt, revokedAt sql.NullTime
	err := s.db.Reader().QueryRowContext(ctx, s.db.Reader().Rebind(`
		SELECT id, tenant_id, fleet_id, key_hash, key_prefix, key_type, expires_at, revoked_at, created_at
		FROM api_keys WHERE key_hash = ?
	`), hash).Scan(&k.ID, &k.TenantID, &k.FleetID, &k.KeyHash, &k.KeyPrefix, &keyType, &expiresAt, &revokedAt, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.Type = KeyType(keyType)
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	// Expiry is evaluated here rather than in SQL so both backends compare
	// timestamps the same way.
	if !k.Active(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return k, nil
}

func (s *SQLStore) CreateAgent(ctx context.Context, a *Agent) error {
	if a.AgentID == "" {
		a.AgentID = ident.NewAgentID()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastSeenAt.IsZero() {
		a.LastSeenAt = now
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		INSERT INTO agents (agent_id, tenant_id, fleet_id, squad_id, name, framework, capabilities, public_key, last_seen_at, total_connections, total_messages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.AgentID, a.TenantID, a.FleetID, a.SquadID, a.Name, a.Framework, string(caps), a.PublicKey, a.LastSeenAt, a.TotalConnections, a.TotalMessages, a.CreatedAt)
	if dialect.IsUniqueViolation(err) {
		return ErrDuplicateName
	}
	return err
}

const agentColumns = `agent_id, tenant_id, fleet_id, squad_id, name, framework, capabilities, public_key, last_seen_at, total_connections, total_messages, created_at`

func (s *SQLStore) scanAgent(row *sql.Row) (*Agent, error) {
	a := &Agent{}
	var caps string
	err := row.Scan(&a.AgentID, &a.TenantID, &a.FleetID, &a.SquadID, &a.Name, &a.Framework,
		&caps, &a.PublicKey, &a.LastSeenAt, &a.TotalConnections, &a.TotalMessages, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for %s: %w", a.AgentID, err)
	}
	return a, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.Reader().QueryRowContext(ctx, s.db.Reader().Rebind(
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`), agentID)
	return s.scanAgent(row)
}

func (s *SQLStore) GetAgentByName(ctx context.Context, fleetID, name string) (*Agent, error) {
	row := s.db.Reader().QueryRowContext(ctx, s.db.Reader().Rebind(
		`SELECT `+agentColumns+` FROM agents WHERE fleet_id = ? AND name = ?`), fleetID, name)
	return s.scanAgent(row)
}

func (s *SQLStore) RecordReconnect(ctx context.Context, agentID, framework string, capabilities []string, publicKey []byte) error {
	var capsArg any
	if capabilities != nil {
		caps, err := json.Marshal(capabilities)
		if err != nil {
			return err
		}
		capsArg = string(caps)
	}
	// COALESCE keeps the stored value when the caller passes nothing new.
	res, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		UPDATE agents
		SET framework = COALESCE(NULLIF(?, ''), framework),
			capabilities = COALESCE(?, capabilities),
			public_key = COALESCE(?, public_key),
			total_connections = total_connections + 1,
			last_seen_at = ?
		WHERE agent_id = ?
	`), framework, capsArg, publicKey, time.Now().UTC(), agentID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SetAgentPublicKey(ctx context.Context, agentID string, publicKey []byte) error {
	res, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		UPDATE agents SET public_key = ? WHERE agent_id = ?
	`), publicKey, agentID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) TouchAgent(ctx context.Context, agentID string) error {
	res, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		UPDATE agents SET last_seen_at = ? WHERE agent_id = ?
	`), time.Now().UTC(), agentID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) AddAgentMessages(ctx context.Context, agentID string, delta int64) error {
	res, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		UPDATE agents SET total_messages = total_messages + ? WHERE agent_id = ?
	`), delta, agentID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateInviteCode(ctx context.Context, c *InviteCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		INSERT INTO invite_codes (code, tenant_id, fleet_id, max_uses, uses, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), c.Code, c.TenantID, c.FleetID, c.MaxUses, c.Uses, c.ExpiresAt, c.CreatedAt)
	return err
}

func (s *SQLStore) RedeemInviteCode(ctx context.Context, code string) (*InviteCode, error) {
	// Read, check, then conditionally bump uses; the CAS on uses absorbs
	// concurrent redeems without locking the row.
	for attempt := 0; attempt < 3; attempt++ {
		c := &InviteCode{}
		var expiresAt sql.NullTime
		err := s.db.Reader().QueryRowContext(ctx, s.db.Reader().Rebind(`
			SELECT code, tenant_id, fleet_id, max_uses, uses, expires_at, created_at
			FROM invite_codes WHERE code = ?
		`), code).Scan(&c.Code, &c.TenantID, &c.FleetID, &c.MaxUses, &c.Uses, &expiresAt, &c.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			c.ExpiresAt = &expiresAt.Time
		}
		if !c.Usable(time.Now().UTC()) {
			return nil, ErrInviteUnusable
		}

		res, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
			UPDATE invite_codes SET uses = uses + 1 WHERE code = ? AND uses = ?
		`), code, c.Uses)
		if err != nil {
			return nil, err
		}
		if rows, _ := res.RowsAffected(); rows == 1 {
			c.Uses++
			return c, nil
		}
	}
	return nil, ErrInviteUnusable
}

func (s *SQLStore) AppendAuditLog(ctx context.Context, entry *AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	detail := entry.Detail
	if len(detail) == 0 {
		detail = json.RawMessage("{}")
	}
	_, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(`
		INSERT INTO audit_logs (id, tenant_id, fleet_id, agent_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.TenantID, entry.FleetID, entry.AgentID, entry.Action, string(detail), entry.CreatedAt)
	return err
}

// Close is a no-op; the pool is owned by the caller that opened it.
func (s *SQLStore) Close() error { return nil }

var _ Store = (*SQLStore)(nil)
