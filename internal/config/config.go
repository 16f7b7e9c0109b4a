// Package config holds operator-level configuration for an Archestra proxy.
//
// Operator config covers where state lives and how the process is secured:
// data directory, database, interaction log signing key, proxy API keys,
// and the path of the gateway YAML. Set via env vars (ARCHESTRA_*) or a
// config file (archestra.config.yaml).
//
// Gateway behavior (upstream, quarantine, tool defaults, MCP servers) lives
// in the gateway YAML and is loaded by internal/gateway.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/robertof1lho/archestra-sub000/internal/store"
)

// Viper keys. Each maps to an env var with the ARCHESTRA_ prefix
// (e.g. "signing_key" → ARCHESTRA_SIGNING_KEY) and to a YAML field.
const (
	KeyDataDir        = "data_dir"
	KeySigningKey     = "signing_key"
	KeyDatabaseDriver = "database_driver"
	KeyDatabaseDSN    = "database_dsn"
	KeyGatewayConfig  = "gateway_config"
	KeyAPIKeys        = "api_keys"
	KeyCORSOrigins    = "cors_origins"
	KeyOTelEnabled    = "otel_enabled"
)

const DefaultDatabaseDriver = store.DriverSQLite

// Config holds resolved operator-level configuration.
type Config struct {
	DataDir        string
	SigningKey     string // HMAC-SHA256 key for the interaction log (≥32 bytes)
	DatabaseDriver string // sqlite3 or pgx
	DatabaseDSN    string // file path for sqlite3, connection URL for pgx
	GatewayConfig  string // optional gateway YAML path
	APIKeys        map[string]string
	CORSOrigins    []string
	OTelEnabled    bool

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the signing key was derived (not set explicitly).
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// InteractionDBPath returns the path of the interaction log database.
func (c *Config) InteractionDBPath() string {
	return filepath.Join(c.DataDir, "interactions.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default ARCHESTRA_SIGNING_KEY; set via env var or config file for production")
	}
	if len(c.APIKeys) == 0 {
		log.Warn().Msg("No ARCHESTRA_API_KEYS configured; proxy routes accept unauthenticated requests")
	}
}

func init() {
	setDefaults()
}

func setDefaults() {
	viper.SetEnvPrefix("ARCHESTRA")
	viper.AutomaticEnv()
	viper.SetDefault(KeyDatabaseDriver, DefaultDatabaseDriver)
	viper.SetDefault(KeyCORSOrigins, []string{"*"})
}

// Load reads configuration from Viper (env vars, config file, defaults) and
// returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:        resolveDataDir(),
		SigningKey:     viper.GetString(KeySigningKey),
		DatabaseDriver: viper.GetString(KeyDatabaseDriver),
		DatabaseDSN:    viper.GetString(KeyDatabaseDSN),
		GatewayConfig:  viper.GetString(KeyGatewayConfig),
		APIKeys:        resolveAPIKeys(),
		CORSOrigins:    viper.GetStringSlice(KeyCORSOrigins),
		OTelEnabled:    viper.GetBool(KeyOTelEnabled),
	}
	if cfg.DatabaseDSN == "" && cfg.DatabaseDriver == store.DriverSQLite {
		cfg.DatabaseDSN = filepath.Join(cfg.DataDir, "archestra.db")
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "interaction-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".archestra"
	}
	return filepath.Join(home, ".archestra")
}

// resolveAPIKeys reads api_keys as a map from a config file, or as
// "key=caller,key2=caller2" from the environment.
func resolveAPIKeys() map[string]string {
	keys := viper.GetStringMapString(KeyAPIKeys)
	if len(keys) > 0 {
		return keys
	}
	raw := viper.GetString(KeyAPIKeys)
	keys = make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, caller, ok := strings.Cut(pair, "=")
		if !ok || caller == "" {
			caller = "default"
		}
		keys[strings.TrimSpace(key)] = strings.TrimSpace(caller)
	}
	return keys
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Not a secret; it lets a first run sign
// the interaction log without setup.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("archestra:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	switch c.DatabaseDriver {
	case store.DriverSQLite:
	case store.DriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database_dsn is required for driver %q", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("database_driver must be %q or %q (got %q)", store.DriverSQLite, store.DriverPostgres, c.DatabaseDriver)
	}
	for key := range c.APIKeys {
		if len(key) < 16 {
			return fmt.Errorf("api key for %q is shorter than 16 characters", c.APIKeys[key])
		}
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 {
		if decoded, err := hex.DecodeString(key); err == nil && len(decoded) >= 32 {
			return nil
		}
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set ARCHESTRA_SIGNING_KEY", n)
}
