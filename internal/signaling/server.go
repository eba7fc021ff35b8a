// Package signaling implements roomd, the websocket signaling server the
// websocket engine talks to. It upgrades HTTP connections, reads each
// connection on its own goroutine, dispatches client messages to the room
// service and serves the SDK manifest, health and metrics endpoints.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/sdkloader"
)

// Config holds tunable parameters for the signaling server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	AppID          int           // when non-zero, handshakes announcing another app ID are refused
	PublicWSURL    string        // announced in the manifest; derived from the request when empty
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // per-read deadline; 0 leaves dead peers to the heartbeat
	WriteTimeout   time.Duration // per-write deadline
	Heartbeat      HeartbeatConfig
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the roomd websocket server.
type Server struct {
	config     Config
	conns      *Registry
	rooms      *Rooms
	dispatcher *Dispatcher
	limiter    RateLimiter
	log        *slog.Logger

	httpServer *http.Server
	ctx        context.Context // cancelled on shutdown; parent of request contexts
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	readers    sync.WaitGroup
	startedAt  time.Time
}

// NewServer creates a Server whose connections are served by rooms. limiter
// may be nil.
func NewServer(config Config, rooms *Rooms, limiter RateLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("component", "signaling")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		conns:      NewRegistry(),
		rooms:      rooms,
		dispatcher: NewDispatcher(log),
		limiter:    limiter,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	rooms.Register(s.dispatcher)
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/sdk/manifest.json", s.handleManifest)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start starts the heartbeat monitor and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info("server listening", "addr", s.config.ListenAddr, "max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("signaling: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			s.log.Info("connection rate limited", "ip", ip)
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	appID := r.Header.Get(protocol.HeaderAppID)
	if s.config.AppID != 0 && appID != strconv.Itoa(s.config.AppID) {
		s.log.Info("unknown app id", "app_id", appID, "remote", r.RemoteAddr)
		http.Error(w, "unknown app id", http.StatusForbidden)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", "err", err)
		return
	}

	c := newConnection(uuid.NewString(), conn, s.config.WriteTimeout)
	c.AppID = appID
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.log.Info("new connection", "conn", c.ID, "remote", c.RemoteAddr, "app_id", c.AppID,
		"total", s.conns.Count())

	s.readers.Add(1)
	go s.serve(c)
}

// serve reads messages from c until it fails or the server shuts down.
func (s *Server) serve(c *Connection) {
	defer s.readers.Done()
	defer s.RemoveConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatcher.Dispatch(s.ctx, c, data)
	}
}

// RemoveConnection logs c out of its room, unregisters and closes it. Racing
// calls clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.rooms.Disconnect(ctx, c)

	s.log.Info("connection closed", "conn", c.ID, "total", s.conns.Count())
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	wsURL := s.config.PublicWSURL
	if wsURL == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		wsURL = scheme + "://" + r.Host + "/ws"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(sdkloader.Manifest{
		EntryPoint:   protocol.EngineEntryPoint,
		Version:      protocol.Version,
		SignalingURL: wsURL,
	})
}

// handleHealth responds with the server's health status, connection count
// and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Connections returns the connection registry.
func (s *Server) Connections() *Registry {
	return s.conns
}

// Shutdown stops accepting connections, tells logged-in clients their room is
// going away, closes every connection and waits for the readers to exit or
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown error", "err", err)
		}
	}

	s.rooms.Shutdown(ctx)
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	s.cancel()

	waited := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("signaling: shutdown: %w", ctx.Err())
	}

	s.log.Info("server stopped, all connections closed")
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
