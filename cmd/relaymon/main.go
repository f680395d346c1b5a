// relaymon runs a resilient WebSocket relay against a storefront
// stream endpoint, journaling connection lifecycle events to Postgres
// and exposing a health endpoint.
//
// Usage: relaymon --config configs/relaymon.local.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storewire/relay/internal/classify"
	"github.com/storewire/relay/internal/config"
	"github.com/storewire/relay/internal/connection"
	"github.com/storewire/relay/internal/database"
	"github.com/storewire/relay/internal/events"
	"github.com/storewire/relay/internal/journal"
	"github.com/storewire/relay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relaymon.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relaymon",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"stream_url", cfg.Stream.URL,
	)

	env, err := classify.ParseEnv(cfg.Instance.Env)
	if err != nil {
		logger.Error("bad env", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	bus := events.NewBus(logger)
	mgr := connection.NewManager(managerConfig(cfg, env), bus, logger)

	// Optional journal writer
	var writer *journal.Writer
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Database.Journal.Host,
			"port", cfg.Database.Journal.Port,
			"database", cfg.Database.Journal.Name,
		)

		pool, err := database.Connect(ctx, cfg.Database.Journal)
		if err != nil {
			logger.Error("failed to connect to journal database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		writer = journal.NewWriter(journal.WriterConfig{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)

		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start journal writer", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			writer.Stop(stopCtx)
		}()

		instance := cfg.Instance.ID
		mgr.Subscribe(events.TopicConnection, func(evt events.Event) {
			if entry, ok := journal.FromEvent(instance, evt); ok {
				writer.Record(entry)
			}
		})
	}

	// Log lifecycle events
	mgr.Subscribe(events.TopicConnection, func(evt events.Event) {
		switch v := evt.(type) {
		case events.Connected:
			logger.Info("stream connected", "url", v.URL, "session", v.SessionID)
		case events.Reconnecting:
			logger.Warn("stream reconnecting", "attempt", v.Attempt, "delay", v.Delay)
		case events.Errored:
			logger.Warn("stream error", "category", v.Category, "message", v.Message, "retryable", v.Retryable)
		case events.Exhausted:
			logger.Error("stream reconnect budget exhausted", "attempts", v.Attempts)
		case events.Disconnected:
			logger.Info("stream disconnected", "manual", v.Manual)
		}
	})

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Instance.ID, mgr, writer),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sess := mgr.Session()
				logger.Info("relay status",
					"status", mgr.Status(),
					"attempts", sess.AttemptCount,
					"queue_len", mgr.QueueLen(),
				)
			}
		}
	})

	// First connection attempt; retryable failures keep reconnecting in
	// the background.
	if err := mgr.Connect(ctx, cfg.Stream.URL); err != nil {
		var cerr *classify.ClassifiedError
		if errors.As(err, &cerr) && cerr.Retryable {
			logger.Warn("initial connect failed, reconnecting", "category", cerr.Category, "error", err)
		} else {
			logger.Error("connect failed", "error", err)
			cancel()
		}
	}

	logger.Info("relaymon running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	mgr.Disconnect()

	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("relaymon stopped")
}

// managerConfig maps file config onto the connection manager.
func managerConfig(cfg *config.RelayConfig, env classify.Env) connection.ManagerConfig {
	queueCap := cfg.Stream.QueueCapacity
	if queueCap < 0 {
		queueCap = 0 // unbounded
	}
	return connection.ManagerConfig{
		Env:                  env,
		EstablishTimeout:     cfg.Stream.EstablishTimeout,
		JoinTimeout:          cfg.Stream.JoinTimeout,
		WriteTimeout:         cfg.Stream.WriteTimeout,
		ReconnectBaseDelay:   cfg.Stream.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Stream.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Stream.HeartbeatInterval,
		HeartbeatGrace:       cfg.Stream.HeartbeatGrace,
		QueueCapacity:        queueCap,
		BufferSize:           cfg.Stream.BufferSize,
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(instance string, mgr *connection.Manager, writer *journal.Writer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sess := mgr.Session()

		health := struct {
			Status     string                 `json:"status"`
			Instance   string                 `json:"instance"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Instance:   instance,
			Components: make(map[string]interface{}),
		}

		stream := map[string]interface{}{
			"status":    string(mgr.Status()),
			"attempts":  sess.AttemptCount,
			"queue_len": mgr.QueueLen(),
		}
		if sess.LastError != nil {
			stream["last_error"] = map[string]interface{}{
				"category": string(sess.LastError.Category),
				"message":  sess.LastError.Message,
			}
		}
		health.Components["stream"] = stream

		switch mgr.Status() {
		case connection.StatusConnected:
		case connection.StatusConnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		if writer != nil {
			stats := writer.Stats()
			health.Components["journal"] = map[string]interface{}{
				"inserts": stats.Inserts,
				"flushes": stats.Flushes,
				"errors":  stats.Errors,
				"dropped": stats.Dropped,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
