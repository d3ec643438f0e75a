// Package main is the RingForge hub entry point. One binary serves the
// WebSocket gateway, the agent directory, the fleet message plane, and the
// task scheduler over shared in-process infrastructure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/audit"
	"github.com/ringforge/ringforge/internal/challenge"
	"github.com/ringforge/ringforge/internal/common/config"
	"github.com/ringforge/ringforge/internal/common/httpmw"
	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/common/tracing"
	"github.com/ringforge/ringforge/internal/db"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/docstore"
	"github.com/ringforge/ringforge/internal/eventbus"
	"github.com/ringforge/ringforge/internal/gateway"
	"github.com/ringforge/ringforge/internal/presence"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/internal/router"
	"github.com/ringforge/ringforge/internal/scheduler"
	"github.com/ringforge/ringforge/internal/seed"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./config.yaml, then /etc/ringforge/)")
	seedPath := flag.String("seed", "", "YAML seed manifest applied at startup (development)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting RingForge hub...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize pub/sub fanout (NATS bridge when configured)
	broker := pubsub.NewBroker(log)
	defer broker.Close()
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		bridge, err := pubsub.NewBridge(broker, cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bridge.Close()
		log.Info("Fanout bridged to sibling replicas")
	} else {
		log.Info("Using process-local fanout")
	}

	// 5. Initialize event bus (in-process log, or Kafka if configured)
	var bus eventbus.Bus
	if cfg.Bus.Backend == "kafka" {
		log.Info("Connecting to Kafka...", zap.Strings("brokers", cfg.Bus.Brokers))
		kafkaBus := eventbus.NewKafkaBus(eventbus.KafkaConfig{
			Brokers:        cfg.Bus.Brokers,
			ClientID:       cfg.Bus.ClientID,
			MaxInFlight:    cfg.Bus.MaxQueueSize,
			PublishTimeout: cfg.Bus.PublishTimeout(),
			ReplayTimeout:  cfg.Bus.ReplayTimeout(),
		}, log)
		defer kafkaBus.Close()
		bus = kafkaBus
	} else {
		log.Info("Using in-process event log")
		localBus := eventbus.NewLocalBus(cfg.Bus.LocalMaxEventsPerTopic, log)
		defer localBus.Close()
		bus = localBus
	}

	// ============================================
	// AGENT DIRECTORY
	// ============================================
	var dirStore directory.Store
	switch {
	case cfg.Database.Host != "":
		log.Info("Connecting to PostgreSQL...",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		conn, err := db.OpenPostgres(postgresDSN(cfg.Database), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		pg := sqlx.NewDb(conn, "pgx")
		pool := db.NewPool(pg, pg)
		defer pool.Close()
		dirStore, err = directory.NewSQLStore(pool)
		if err != nil {
			log.Fatal("Failed to initialize directory schema", zap.Error(err))
		}
	case cfg.SQLite.Path != "":
		log.Info("Opening SQLite directory", zap.String("path", cfg.SQLite.Path))
		writer, err := db.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			log.Fatal("Failed to open SQLite writer", zap.Error(err))
		}
		reader, err := db.OpenSQLiteReader(cfg.SQLite.Path)
		if err != nil {
			log.Fatal("Failed to open SQLite reader", zap.Error(err))
		}
		pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		defer pool.Close()
		dirStore, err = directory.NewSQLStore(pool)
		if err != nil {
			log.Fatal("Failed to initialize directory schema", zap.Error(err))
		}
	default:
		log.Info("Using in-memory agent directory")
		dirStore = directory.NewMemoryStore()
	}
	defer dirStore.Close()

	challenges := challenge.NewStore(challenge.Config{
		TTL:           cfg.Challenge.TTL(),
		SweepInterval: cfg.Challenge.SweepInterval(),
	}, log)
	challenges.Start(ctx)

	dir := directory.NewService(dirStore, challenges, log)

	if *seedPath != "" {
		manifest, err := seed.Load(*seedPath)
		if err != nil {
			log.Fatal("Failed to load seed manifest", zap.Error(err))
		}
		if _, err := seed.Apply(ctx, dirStore, manifest, log); err != nil {
			log.Fatal("Failed to apply seed manifest", zap.Error(err))
		}
	}

	// ============================================
	// DOCUMENT STORE
	// ============================================
	var docs docstore.Store
	if cfg.Docstore.Addr != "" {
		log.Info("Connecting to document store...", zap.String("addr", cfg.Docstore.Addr))
		client, err := docstore.NewClient(ctx, docstore.ClientConfig{
			Addr:           cfg.Docstore.Addr,
			DialTimeout:    cfg.Docstore.DialTimeout(),
			RequestTimeout: cfg.Docstore.RequestTimeout(),
		}, log)
		if err != nil {
			log.Fatal("Failed to connect to document store", zap.Error(err))
		}
		docs = client
	} else {
		log.Info("Opening embedded document store", zap.String("path", cfg.Docstore.Path))
		local, err := docstore.OpenLocal(cfg.Docstore.Path)
		if err != nil {
			log.Fatal("Failed to open document store", zap.Error(err))
		}
		docs = local
	}
	defer docs.Close()

	// ============================================
	// MESSAGE PLANE + SCHEDULER
	// ============================================
	registry := presence.NewMemoryRegistry(broker, log)

	rtr := router.New(broker, bus, docs, registry, dir, router.Config{
		DMQueueTTL:         cfg.DMQueue.TTL(),
		DMQueueTTLPriority: cfg.DMQueue.HighPriorityTTL(),
	}, log)

	sched := scheduler.New(broker, bus, rtr, registry, scheduler.Config{
		Tick:          cfg.Scheduler.Tick(),
		DefaultTTL:    cfg.Scheduler.DefaultTTL(),
		MaxTTL:        cfg.Scheduler.MaxTTL(),
		CleanupCutoff: cfg.Scheduler.CleanupCutoff(),
		Region:        cfg.Scheduler.Region,
	}, log)
	sched.Start(ctx)

	sink := audit.NewSink(dirStore, bus, log)
	sink.Start()

	// Daily counters are kept per UTC day; prune the buckets older than a
	// week so an always-on hub does not grow them unbounded.
	maint := cron.New()
	if _, err := maint.AddFunc("@daily", func() {
		if n := sched.Store().PruneDaily(time.Now().AddDate(0, 0, -7)); n > 0 {
			log.Info("Pruned daily task counters", zap.Int("buckets", n))
		}
	}); err != nil {
		log.Fatal("Failed to schedule maintenance", zap.Error(err))
	}
	maint.Start()

	// ============================================
	// WEBSOCKET GATEWAY + HTTP SERVER
	// ============================================
	gw := gateway.New(gateway.Deps{
		Broker:     broker,
		Bus:        bus,
		Directory:  dir,
		Challenges: challenges,
		Presence:   registry,
		Router:     rtr,
		Scheduler:  sched,
		Audit:      sink,
	}, gateway.Config{}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "hub"))
	engine.Use(httpmw.OtelTracing("ringforge-hub"))
	engine.Use(corsMiddleware())
	gw.RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Hub listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("challenge", "/auth/challenge"),
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down hub...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Close agent sessions before the listener so clients see going-away
	// frames rather than dropped TCP connections.
	gw.Drain(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	<-maint.Stop().Done()
	sink.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Hub stopped")
}

// postgresDSN builds the directory connection string from config.
func postgresDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
}

// corsMiddleware allows dashboard browsers to reach the HTTP endpoints and
// upgrade WebSocket connections from any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
