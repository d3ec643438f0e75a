// Package main implements a simulated fleet agent that connects to a
// RingForge hub over WebSocket. It registers with an API key or invite
// code, answers assigned tasks with canned results, and echoes direct
// pings, so hub features can be exercised end to end without a real
// agent framework.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ringforge/ringforge/internal/common/logger"
)

func main() {
	var (
		hubURL       = flag.String("hub", "ws://127.0.0.1:8080/ws", "hub websocket endpoint")
		apiKey       = flag.String("api-key", "", "fleet API key")
		inviteCode   = flag.String("invite", "", "single-use invite code, registers without a key")
		agentID      = flag.String("agent-id", "", "existing agent identity to resume")
		name         = flag.String("name", fmt.Sprintf("demo-%d", os.Getpid()), "agent name in the roster")
		framework    = flag.String("framework", "ringforge-demo", "framework label")
		capabilities = flag.String("capabilities", "echo,search", "comma-separated capability list")
		squad        = flag.String("squad", "", "squad identifier")
		profile      = flag.String("profile", "default", "work speed profile: fast, slow or default")
		heartbeat    = flag.Duration("heartbeat", 15*time.Second, "presence update interval")
		submit       = flag.String("submit", "", "submit one task with this prompt after joining")
		require      = flag.String("require", "", "capabilities the submitted task requires")
		logLevel     = flag.String("log-level", "info", "log verbosity")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringforge-agent: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *apiKey == "" && *inviteCode == "" {
		log.Fatal("either --api-key or --invite is required")
	}
	if *agentID != "" && *apiKey == "" {
		log.Fatal("--agent-id needs --api-key to reconnect")
	}

	a := newAgent(agentConfig{
		HubURL:       *hubURL,
		APIKey:       *apiKey,
		InviteCode:   *inviteCode,
		AgentID:      *agentID,
		Name:         *name,
		Framework:    *framework,
		Capabilities: *capabilities,
		Squad:        *squad,
		Profile:      *profile,
		Heartbeat:    *heartbeat,
		SubmitPrompt: *submit,
		SubmitCaps:   *require,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("agent stopped")
		os.Exit(1)
	}
	log.Info("agent stopped")
}
