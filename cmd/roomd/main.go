// Command roomd is the signaling server of the websocket engine. It keeps
// room presence in Redis (or in memory when REDIS_ADDR is empty) and fans
// room events out over NATS (or in process when NATS_URL is empty).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/moderation"
	"github.com/whisper/roomchat/internal/presence"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "roomd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "roomd-1"
	}

	// --- Presence and rate limiting ---
	var (
		store   presence.Store
		limiter signaling.RateLimiter
	)
	if cfg.RedisAddr != "" {
		rs, err := presence.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			return err
		}
		store = rs
		limiter = ratelimit.NewLimiter(rs.Client(), log)
	} else {
		log.Warn("REDIS_ADDR not set, presence is local to this instance and rate limiting is off")
		store = presence.NewMemoryStore()
	}
	defer store.Close()

	// --- Room event bus ---
	var bus messaging.Bus
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = serverName
		nb, err := messaging.NewNATSBus(natsConfig, log)
		if err != nil {
			return err
		}
		bus = nb
	} else {
		log.Warn("NATS_URL not set, room events stay on this instance")
		bus = messaging.NewLocalBus()
	}
	defer bus.Close()

	rooms, err := signaling.NewRooms(serverName, store, bus, limiter, log)
	if err != nil {
		return err
	}

	switch cfg.SpamChecks {
	case "":
	case "all":
		rooms.SetSpamFilter(moderation.NewFilter())
	default:
		rooms.SetSpamFilter(moderation.NewFilter(strings.Split(cfg.SpamChecks, ",")...))
	}

	srvConfig := signaling.Config{
		ListenAddr:     cfg.ListenAddr,
		AppID:          cfg.AppID,
		PublicWSURL:    cfg.PublicWSURL,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: signaling.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}
	server := signaling.NewServer(srvConfig, rooms, limiter, log)

	log.Info("roomd starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("server_name", serverName),
		slog.Int("app_id", cfg.AppID),
		slog.Int("max_connections", cfg.MaxConnections),
		slog.String("redis_addr", cfg.RedisAddr),
		slog.String("nats_url", cfg.NATSURL),
		slog.String("spam_checks", cfg.SpamChecks),
	)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("shutdown error", "err", err)
	}
	return nil
}
