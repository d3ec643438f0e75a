package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a map-backed Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	fleets  map[string]*Fleet
	keys    map[string]*APIKey // by hash
	agents  map[string]*Agent
	names   map[string]map[string]string // fleet_id -> name -> agent_id
	invites map[string]*InviteCode
	audit   []*AuditLog
}

// NewMemoryStore creates an empty in-memory directory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		fleets:  make(map[string]*Fleet),
		keys:    make(map[string]*APIKey),
		agents:  make(map[string]*Agent),
		names:   make(map[string]map[string]string),
		invites: make(map[string]*InviteCode),
	}
}

func (s *MemoryStore) CreateTenant(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) CreateFleet(ctx context.Context, f *Fleet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.fleets[f.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFleet(ctx context.Context, id string) (*Fleet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fleets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[k.KeyHash]; exists {
		return ErrDuplicateKey
	}
	cp := *k
	s.keys[k.KeyHash] = &cp
	return nil
}

func (s *MemoryStore) GetActiveAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	if !ok || !k.Active(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Name != "" {
		byName := s.names[a.FleetID]
		if byName == nil {
			byName = make(map[string]string)
			s.names[a.FleetID] = byName
		}
		if _, taken := byName[a.Name]; taken {
			return ErrDuplicateName
		}
		byName[a.Name] = a.AgentID
	}
	s.agents[a.AgentID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAgentByName(ctx context.Context, fleetID, name string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.names[fleetID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return s.agents[id].Clone(), nil
}

func (s *MemoryStore) RecordReconnect(ctx context.Context, agentID, framework string, capabilities []string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if framework != "" {
		a.Framework = framework
	}
	if capabilities != nil {
		a.Capabilities = append([]string(nil), capabilities...)
	}
	if publicKey != nil {
		a.PublicKey = append([]byte(nil), publicKey...)
	}
	a.TotalConnections++
	a.LastSeenAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetAgentPublicKey(ctx context.Context, agentID string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.PublicKey = append([]byte(nil), publicKey...)
	return nil
}

func (s *MemoryStore) TouchAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastSeenAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddAgentMessages(ctx context.Context, agentID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.TotalMessages += delta
	return nil
}

func (s *MemoryStore) CreateInviteCode(ctx context.Context, c *InviteCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.invites[c.Code] = &cp
	return nil
}

func (s *MemoryStore) RedeemInviteCode(ctx context.Context, code string) (*InviteCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.invites[code]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Usable(time.Now().UTC()) {
		return nil, ErrInviteUnusable
	}
	c.Uses++
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) AppendAuditLog(ctx context.Context, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

// AuditLogs returns a snapshot of appended audit records, oldest first.
func (s *MemoryStore) AuditLogs() []*AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditLog, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
