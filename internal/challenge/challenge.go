// Package challenge holds short-lived proof-of-key challenges issued to
// agents that want to reconnect by Ed25519 signature instead of an API key.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/metrics"
)

const (
	// DefaultTTL bounds how long an issued challenge can be answered.
	DefaultTTL = 30 * time.Second
	// DefaultSweepInterval is how often expired entries are collected.
	DefaultSweepInterval = 60 * time.Second

	tokenBytes = 32
)

var (
	// ErrNoPending means the agent has no outstanding challenge.
	ErrNoPending = errors.New("challenge: no pending challenge")
	// ErrExpired means the challenge outlived its TTL before being answered.
	ErrExpired = errors.New("challenge: challenge expired")
	// ErrMismatch means the presented token is not the one issued.
	ErrMismatch = errors.New("challenge: token mismatch")
)

type entry struct {
	token    string
	issuedAt time.Time
}

// Config tunes the store. Zero values fall back to the defaults above.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         clockwork.Clock
}

// Store keeps at most one pending challenge per agent. Issue replaces any
// prior entry (last write wins); Verify consumes on success; a lookup past
// the TTL reports expired rather than found.
type Store struct {
	mu      sync.Mutex
	pending map[string]entry

	ttl        time.Duration
	sweepEvery time.Duration
	clock      clockwork.Clock
	logger     *logger.Logger
}

// NewStore creates a challenge store. Start must be called to run the sweep
// loop; Issue/Verify/Peek/Revoke work without it.
func NewStore(cfg Config, log *logger.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Store{
		pending:    make(map[string]entry),
		ttl:        cfg.TTL,
		sweepEvery: cfg.SweepInterval,
		clock:      cfg.Clock,
		logger:     log.Named("challenge"),
	}
}

// Issue generates a fresh 32-byte random challenge for the agent, replacing
// any outstanding one, and returns it base64-encoded.
func (s *Store) Issue(agentID string) string {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("challenge: crypto/rand failed: %v", err))
	}
	token := base64.StdEncoding.EncodeToString(raw)

	s.mu.Lock()
	s.pending[agentID] = entry{token: token, issuedAt: s.clock.Now()}
	s.mu.Unlock()

	metrics.ChallengesIssued.Inc()
	s.logger.Debug("challenge issued", zap.String("agent_id", agentID))
	return token
}

// Verify compares the presented token against the pending challenge and
// consumes the entry when they match. Expired entries are removed and
// reported as ErrExpired even when the token matches; a mismatch leaves the
// pending challenge in place.
func (s *Store) Verify(agentID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[agentID]
	if !ok {
		return ErrNoPending
	}
	if s.expired(e) {
		delete(s.pending, agentID)
		return ErrExpired
	}
	if e.token != token {
		return ErrMismatch
	}
	delete(s.pending, agentID)
	return nil
}

// Peek returns the pending token without consuming it.
func (s *Store) Peek(agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[agentID]
	if !ok {
		return "", ErrNoPending
	}
	if s.expired(e) {
		delete(s.pending, agentID)
		return "", ErrExpired
	}
	return e.token, nil
}

// Revoke drops any pending challenge for the agent. Key rotation calls this
// so a challenge issued against the old key can never complete.
func (s *Store) Revoke(agentID string) {
	s.mu.Lock()
	delete(s.pending, agentID)
	s.mu.Unlock()
}

// Pending reports the number of live entries, expired ones included until
// the next sweep.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Start runs the periodic sweep until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if removed := s.sweep(); removed > 0 {
					s.logger.Debug("swept expired challenges", zap.Int("removed", removed))
				}
			}
		}
	}()
	s.logger.Info("challenge sweeper started",
		zap.Duration("ttl", s.ttl),
		zap.Duration("interval", s.sweepEvery))
}

func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for agentID, e := range s.pending {
		if s.expired(e) {
			delete(s.pending, agentID)
			removed++
		}
	}
	return removed
}

// expired applies the inclusive cutoff: an entry issued exactly TTL ago is
// already dead. Callers hold s.mu.
func (s *Store) expired(e entry) bool {
	return !s.clock.Now().Before(e.issuedAt.Add(s.ttl))
}
