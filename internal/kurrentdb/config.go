package kurrentdb

import (
	"fmt"
	"net/url"

	"github.com/trustseal/evidence/internal/shared/config"
)

// Config holds KurrentDB connection configuration.
type Config struct {
	// Host is the KurrentDB server hostname
	Host string
	// Port is the KurrentDB gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional for insecure mode)
	Username string
	// Password for authentication (optional for insecure mode)
	Password string
}

// ConfigFrom converts the process configuration section
func ConfigFrom(cfg config.KurrentDBConfig) *Config {
	return &Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Insecure: cfg.Insecure,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// ConnectionString returns the esdb:// connection string for EventStore client.
func (c *Config) ConnectionString() string {
	var auth string
	if c.Username != "" && c.Password != "" {
		auth = url.UserPassword(c.Username, c.Password).String() + "@"
	}

	var tls string
	if c.Insecure {
		tls = "?tls=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, c.Host, c.Port, tls)
}
