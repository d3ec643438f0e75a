// Package ident generates and validates the prefixed opaque identifiers
// used across the hub (agents, tasks, messages, events, API keys).
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var (
	agentIDPattern = regexp.MustCompile(`^ag_[0-9A-Za-z]{12}$`)
	taskIDPattern  = regexp.MustCompile(`^task_[0-9a-f]{16}$`)
)

func randBase62(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ident: crypto/rand failed: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return string(out)
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ident: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewAgentID returns a fresh agent identifier: "ag_" + 12 base62 chars.
func NewAgentID() string {
	return "ag_" + randBase62(12)
}

// NewTaskID returns a fresh task identifier: "task_" + 16 hex chars.
func NewTaskID() string {
	return "task_" + randHex(8)
}

// NewMessageID returns a fresh direct-message identifier: "msg_" + 16 hex chars.
func NewMessageID() string {
	return "msg_" + randHex(8)
}

// NewEventID returns a fresh event identifier: "evt_" + 16 hex chars.
func NewEventID() string {
	return "evt_" + randHex(8)
}

// NewSessionID returns a fresh socket session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// NewRawAPIKey mints a raw API key for the given type (live, test, admin).
// Only its SHA-256 hash and display prefix are ever persisted.
func NewRawAPIKey(keyType string) string {
	return fmt.Sprintf("rf_%s_%s", keyType, randBase62(32))
}

// KeyPrefix returns the 8-byte display prefix of a raw API key.
func KeyPrefix(rawKey string) string {
	if len(rawKey) <= 8 {
		return rawKey
	}
	return rawKey[:8]
}

// IsAgentID reports whether s is a well-formed agent identifier.
func IsAgentID(s string) bool {
	return agentIDPattern.MatchString(s)
}

// IsTaskID reports whether s is a well-formed task identifier.
func IsTaskID(s string) bool {
	return taskIDPattern.MatchString(s)
}
