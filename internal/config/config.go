// Package config loads the client and server settings from the environment.
// An optional .env file in the working directory is read first; real
// environment variables always take precedence over it.
package config

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Client configures a session manager. AppID, SignalingSecret and RoomID are
// the static application settings; the rest tune loading and the simulated
// backend.
type Client struct {
	AppID           int    `env:"APP_ID,default=1151489427" validate:"gt=0"`
	SignalingSecret string `env:"SIGNALING_SECRET"`
	RoomID          string `env:"ROOM_ID,default=global_chat_room" validate:"required"`

	// SDKManifestURL is where the engine manifest is fetched from. Empty
	// disables the real backend entirely.
	SDKManifestURL string `env:"SDK_MANIFEST_URL" validate:"omitempty,url"`
	// SignalingURL overrides the signaling endpoint announced by the manifest.
	SignalingURL   string        `env:"SIGNALING_URL" validate:"omitempty,url"`
	SDKLoadTimeout time.Duration `env:"SDK_LOAD_TIMEOUT,default=10s" validate:"gt=0"`

	PartnerJoinDelay    time.Duration `env:"SIM_PARTNER_JOIN_DELAY,default=2s" validate:"gte=0"`
	PartnerMessageDelay time.Duration `env:"SIM_PARTNER_MESSAGE_DELAY,default=3s" validate:"gte=0"`

	Env      string `env:"APP_ENV,default=dev"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`
}

// Server configures the roomd signaling server.
type Server struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080" validate:"required"`
	ServerName string `env:"SERVER_NAME"`
	AppID      int    `env:"APP_ID,default=1151489427" validate:"gt=0"`

	// PublicWSURL is announced in the SDK manifest. Empty derives it from the
	// request host.
	PublicWSURL string `env:"PUBLIC_WS_URL" validate:"omitempty,url"`

	// RedisAddr enables shared presence and rate limiting; NATSURL enables
	// cross-instance fan-out. Empty values select in-process implementations.
	RedisAddr string `env:"REDIS_ADDR"`
	NATSURL   string `env:"NATS_URL"`

	// SpamChecks is a comma separated list of broadcast spam checks (url,
	// phone, char_flood, word_flood), or "all". Empty disables screening.
	SpamChecks string `env:"SPAM_CHECKS"`

	MaxConnections    int           `env:"MAX_CONNECTIONS,default=10000" validate:"gt=0"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT,default=0s" validate:"gte=0"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"gte=0"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s" validate:"gt=0"`

	Env      string `env:"APP_ENV,default=dev"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`
}

// LoadClient reads a Client from .env and the process environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := load(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// LoadServer reads a Server from .env and the process environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := load(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func load(cfg interface{}) error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
