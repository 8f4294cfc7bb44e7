package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/trustseal/evidence/internal/shared/errors"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	Ledger    LedgerConfig
	Vault     VaultConfig
	TSA       TSAConfig
	Signing   SigningConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// IsDevelopment reports whether the process runs outside production
func (s ServerConfig) IsDevelopment() bool {
	return s.Env == "" || s.Env == "development" || s.Env == "dev" || s.Env == "test"
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

type AuthConfig struct {
	JWTSecret string
}

// LedgerConfig holds configuration for the hash-chained evidence ledger.
type LedgerConfig struct {
	// Backend: "memory", "postgres", "kurrentdb" or "badger"
	Backend string
	// BadgerPath is the data directory for the badger backend
	BadgerPath string
	// CriticalEvents are event types anchored to a qualified timestamp
	CriticalEvents []string
	// AppendTimeout bounds lock acquisition plus persistence of one append
	AppendTimeout time.Duration
	// MaxAppendRetries bounds optimistic-concurrency retries (kurrentdb, badger)
	MaxAppendRetries int
	// BlockOnTimestampFailure surfaces a failed anchor of a critical event as an error
	BlockOnTimestampFailure bool
}

// VaultConfig holds configuration for tenant-scoped encryption at rest.
type VaultConfig struct {
	// MasterKey is the base64-encoded 256-bit master secret
	MasterKey string
	// KeyCacheTTL bounds how long derived tenant keys stay cached
	KeyCacheTTL time.Duration
}

// TSAConfig holds configuration for qualified timestamp providers.
type TSAConfig struct {
	// Mock synthesizes tokens locally without network I/O
	Mock bool
	// LocalAuthority serves an in-process RFC 3161 authority at /tsa (development)
	LocalAuthority bool
	// LocalOrgName names the self-signed certificate of the local authority
	LocalOrgName string

	PrimaryName  string
	PrimaryURL   string
	FallbackName string
	FallbackURL  string
	Username     string
	Password     string

	Timeout           time.Duration
	RequestsPerSecond float64
}

// SigningConfig holds configuration for the signing credentials.
type SigningConfig struct {
	CertPath          string
	KeyPath           string
	PKCS12Path        string
	PKCS12Password    string
	MinRSABits        int
	ExpiryWarningDays int
	OCSPEnabled       bool
	OCSPTimeout       time.Duration
}

// Configured reports whether any signing credential source is set
func (s SigningConfig) Configured() bool {
	return s.PKCS12Path != "" || (s.CertPath != "" && s.KeyPath != "")
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "evidence"),
			Password: getEnv("DB_PASSWORD", "evidence"),
			Database: getEnv("DB_NAME", "evidence"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
		},
		Ledger: LedgerConfig{
			Backend:    getEnv("LEDGER_BACKEND", "memory"),
			BadgerPath: getEnv("LEDGER_BADGER_PATH", "./data/ledger"),
			CriticalEvents: getEnvSlice("LEDGER_CRITICAL_EVENTS", []string{
				"document.signed",
				"document.sealed",
				"signature.completed",
				"signature_request.completed",
			}),
			AppendTimeout:           getEnvDuration("LEDGER_APPEND_TIMEOUT", 5*time.Second),
			MaxAppendRetries:        getEnvInt("LEDGER_MAX_APPEND_RETRIES", 3),
			BlockOnTimestampFailure: getEnvBool("LEDGER_BLOCK_ON_TIMESTAMP_FAILURE", true),
		},
		Vault: VaultConfig{
			MasterKey:   getEnv("VAULT_MASTER_KEY", ""),
			KeyCacheTTL: getEnvDuration("VAULT_KEY_CACHE_TTL", 10*time.Minute),
		},
		TSA: TSAConfig{
			Mock:              getEnvBool("TSA_MOCK", false),
			LocalAuthority:    getEnvBool("TSA_LOCAL_AUTHORITY", false),
			LocalOrgName:      getEnv("TSA_LOCAL_ORG_NAME", "Evidence Platform"),
			PrimaryName:       getEnv("TSA_PRIMARY_NAME", "primary"),
			PrimaryURL:        getEnv("TSA_PRIMARY_URL", ""),
			FallbackName:      getEnv("TSA_FALLBACK_NAME", "fallback"),
			FallbackURL:       getEnv("TSA_FALLBACK_URL", ""),
			Username:          getEnv("TSA_USERNAME", ""),
			Password:          getEnv("TSA_PASSWORD", ""),
			Timeout:           getEnvDuration("TSA_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvFloat("TSA_REQUESTS_PER_SECOND", 10),
		},
		Signing: SigningConfig{
			CertPath:          getEnv("SIGNING_CERT_PATH", ""),
			KeyPath:           getEnv("SIGNING_KEY_PATH", ""),
			PKCS12Path:        getEnv("SIGNING_PKCS12_PATH", ""),
			PKCS12Password:    getEnv("SIGNING_PKCS12_PASSWORD", ""),
			MinRSABits:        getEnvInt("SIGNING_MIN_RSA_BITS", 2048),
			ExpiryWarningDays: getEnvInt("SIGNING_EXPIRY_WARNING_DAYS", 30),
			OCSPEnabled:       getEnvBool("SIGNING_OCSP_ENABLED", false),
			OCSPTimeout:       getEnvDuration("SIGNING_OCSP_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would only fail deep inside a request
func (c *Config) Validate() error {
	if c.Vault.MasterKey == "" {
		return errors.Configuration("VAULT_MASTER_KEY is required", nil)
	}

	switch c.Ledger.Backend {
	case "memory", "postgres", "kurrentdb", "badger":
	default:
		return errors.Configuration(fmt.Sprintf("unknown ledger backend %q", c.Ledger.Backend), nil)
	}

	if !c.TSA.Mock && !c.TSA.LocalAuthority && c.TSA.PrimaryURL == "" {
		return errors.Configuration("TSA_PRIMARY_URL is required unless TSA_MOCK or TSA_LOCAL_AUTHORITY is set", nil)
	}

	if c.TSA.Timeout <= 0 {
		return errors.Configuration("TSA_TIMEOUT must be positive", nil)
	}

	if c.Signing.CertPath != "" && c.Signing.KeyPath == "" {
		return errors.Configuration("SIGNING_KEY_PATH is required with SIGNING_CERT_PATH", nil)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
