// Package seed provisions directory rows from a YAML manifest. It exists for
// development and demo setups; production tenants are created out of band.
package seed

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
)

// Manifest mirrors the seed file. Everything hangs off tenants.
type Manifest struct {
	Tenants []TenantSpec `yaml:"tenants"`
}

type TenantSpec struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Plan   string      `yaml:"plan"`
	Fleets []FleetSpec `yaml:"fleets"`
}

type FleetSpec struct {
	ID      string       `yaml:"id"`
	Name    string       `yaml:"name"`
	Keys    []KeySpec    `yaml:"keys"`
	Agents  []AgentSpec  `yaml:"agents"`
	Invites []InviteSpec `yaml:"invites"`
}

type KeySpec struct {
	Type string `yaml:"type"`
}

type AgentSpec struct {
	Name         string   `yaml:"name"`
	Framework    string   `yaml:"framework"`
	Capabilities []string `yaml:"capabilities"`
	Squad        string   `yaml:"squad"`
}

type InviteSpec struct {
	Code    string `yaml:"code"`
	MaxUses int    `yaml:"max_uses"`
	TTL     string `yaml:"ttl"`
}

// Summary counts what Apply provisioned.
type Summary struct {
	Tenants int
	Fleets  int
	Keys    int
	Agents  int
	Invites int
}

// Load parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing seed manifest: %w", err)
	}
	for ti, t := range m.Tenants {
		if t.Name == "" {
			return nil, fmt.Errorf("tenant %d: name is required", ti)
		}
		for fi, f := range t.Fleets {
			if f.Name == "" {
				return nil, fmt.Errorf("tenant %q fleet %d: name is required", t.Name, fi)
			}
			for _, inv := range f.Invites {
				if inv.Code == "" {
					return nil, fmt.Errorf("fleet %q: invite codes must be set explicitly", f.Name)
				}
				if inv.TTL != "" {
					if _, err := time.ParseDuration(inv.TTL); err != nil {
						return nil, fmt.Errorf("fleet %q invite %q: bad ttl: %w", f.Name, inv.Code, err)
					}
				}
			}
		}
	}
	return &m, nil
}

// Apply provisions every row in the manifest. Raw API keys are printed to the
// log here and nowhere else; only their hashes are stored.
func Apply(ctx context.Context, store directory.Store, m *Manifest, log *logger.Logger) (*Summary, error) {
	log = log.Named("seed")
	now := time.Now().UTC()
	var sum Summary

	for _, ts := range m.Tenants {
		tenant := &directory.Tenant{ID: ts.ID, Name: ts.Name, Plan: ts.Plan, CreatedAt: now}
		if tenant.ID == "" {
			tenant.ID = uuid.New().String()
		}
		if tenant.Plan == "" {
			tenant.Plan = "free"
		}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return nil, fmt.Errorf("seeding tenant %q: %w", ts.Name, err)
		}
		sum.Tenants++

		for _, fs := range ts.Fleets {
			fleet := &directory.Fleet{ID: fs.ID, TenantID: tenant.ID, Name: fs.Name, CreatedAt: now}
			if fleet.ID == "" {
				fleet.ID = uuid.New().String()
			}
			if err := store.CreateFleet(ctx, fleet); err != nil {
				return nil, fmt.Errorf("seeding fleet %q: %w", fs.Name, err)
			}
			sum.Fleets++

			for _, ks := range fs.Keys {
				keyType := directory.KeyType(ks.Type)
				if keyType == "" {
					keyType = directory.KeyTypeLive
				}
				raw, key := directory.NewAPIKey(tenant.ID, fleet.ID, keyType)
				if err := store.CreateAPIKey(ctx, key); err != nil {
					return nil, fmt.Errorf("seeding key for fleet %q: %w", fs.Name, err)
				}
				sum.Keys++
				log.Info("api key minted",
					zap.String("tenant_id", tenant.ID),
					zap.String("fleet_id", fleet.ID),
					zap.String("api_key", raw))
			}

			for _, as := range fs.Agents {
				agent := &directory.Agent{
					AgentID:      ident.NewAgentID(),
					TenantID:     tenant.ID,
					FleetID:      fleet.ID,
					SquadID:      as.Squad,
					Name:         as.Name,
					Framework:    as.Framework,
					Capabilities: as.Capabilities,
					LastSeenAt:   now,
					CreatedAt:    now,
				}
				if err := store.CreateAgent(ctx, agent); err != nil {
					return nil, fmt.Errorf("seeding agent %q in fleet %q: %w", as.Name, fs.Name, err)
				}
				sum.Agents++
				log.Info("agent provisioned",
					zap.String("agent_id", agent.AgentID),
					zap.String("fleet_id", fleet.ID),
					zap.String("name", agent.Name))
			}

			for _, is := range fs.Invites {
				invite := &directory.InviteCode{
					Code:      is.Code,
					TenantID:  tenant.ID,
					FleetID:   fleet.ID,
					MaxUses:   is.MaxUses,
					CreatedAt: now,
				}
				if is.TTL != "" {
					// Validated by Load.
					d, _ := time.ParseDuration(is.TTL)
					expires := now.Add(d)
					invite.ExpiresAt = &expires
				}
				if err := store.CreateInviteCode(ctx, invite); err != nil {
					return nil, fmt.Errorf("seeding invite %q for fleet %q: %w", is.Code, fs.Name, err)
				}
				sum.Invites++
			}
		}
	}

	log.Info("seed applied",
		zap.Int("tenants", sum.Tenants),
		zap.Int("fleets", sum.Fleets),
		zap.Int("keys", sum.Keys),
		zap.Int("agents", sum.Agents),
		zap.Int("invites", sum.Invites))
	return &sum, nil
}
