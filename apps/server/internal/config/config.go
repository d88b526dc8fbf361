// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr           string `envconfig:"SERVER_ADDR" default:":8080"`
	IdentitySecret string `envconfig:"IDENTITY_SECRET"`

	OracleURL     string        `envconfig:"ORACLE_URL" default:"http://localhost:9090"`
	OracleTimeout time.Duration `envconfig:"ORACLE_TIMEOUT" default:"30s"`

	RoomSweepInterval time.Duration `envconfig:"ROOM_SWEEP_INTERVAL" default:"1m"`
}

// Load reads .env when present, then the process environment. The identity
// secret has no default; the server refuses to start without one.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if strings.TrimSpace(cfg.IdentitySecret) == "" {
		return Config{}, fmt.Errorf("IDENTITY_SECRET is required")
	}
	return cfg, nil
}
