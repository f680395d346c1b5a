// streamtest connects to a WebSocket stream endpoint and prints every
// lifecycle event and inbound message to the console. Lines typed on
// stdin are sent as payloads (queued while disconnected).
//
// Usage: go run ./cmd/streamtest --url wss://stream.example.com/ws
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storewire/relay/internal/classify"
	"github.com/storewire/relay/internal/connection"
	"github.com/storewire/relay/internal/events"
)

func main() {
	url := flag.String("url", "", "WebSocket URL (ws:// or wss://)")
	env := flag.String("env", "dev", "environment: prod or dev")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat ping interval")
	verbose := flag.Bool("verbose", false, "debug-level logging")
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "usage: streamtest --url wss://host/path")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	classifyEnv, err := classify.ParseEnv(*env)
	if err != nil {
		logger.Error("bad env", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cfg := connection.DefaultManagerConfig()
	cfg.Env = classifyEnv
	cfg.HeartbeatInterval = *heartbeat

	mgr := connection.NewManager(cfg, events.NewBus(logger), logger)
	defer mgr.Disconnect()

	mgr.Subscribe(events.TopicConnection, func(evt events.Event) {
		switch v := evt.(type) {
		case events.Connected:
			fmt.Printf("[CONNECTED] url=%s session=%s\n", v.URL, v.SessionID)
		case events.Disconnected:
			fmt.Printf("[DISCONNECTED] manual=%v\n", v.Manual)
		case events.Reconnecting:
			fmt.Printf("[RECONNECTING] attempt=%d delay=%s\n", v.Attempt, v.Delay)
		case events.Errored:
			fmt.Printf("[ERROR] category=%s retryable=%v msg=%s\n", v.Category, v.Retryable, v.Message)
		case events.Exhausted:
			fmt.Printf("[EXHAUSTED] attempts=%d\n", v.Attempts)
		case events.QueueOverflow:
			fmt.Printf("[QUEUE OVERFLOW] dropped=%d\n", v.Dropped)
		}
	})
	mgr.Subscribe(events.TopicMessage, func(evt events.Event) {
		switch v := evt.(type) {
		case events.MessageReceived:
			if len(v.Body) > 0 {
				fmt.Printf("[MESSAGE] %s\n", v.Body)
			} else {
				fmt.Printf("[MESSAGE raw] %s\n", v.Text)
			}
		case events.ParseError:
			fmt.Printf("[PARSE ERROR] reason=%s bytes=%d\n", v.Reason, len(v.Data))
		}
	})

	if err := mgr.Connect(ctx, *url); err != nil {
		logger.Warn("initial connect failed", "error", err)
	}

	// Forward stdin lines as payloads
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !mgr.Send([]byte(line)) {
				fmt.Printf("[QUEUED] %s\n", line)
			}
		}
	}()

	fmt.Println("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("shutdown complete")
}
