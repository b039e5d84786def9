// Package config loads the daemon bootstrap file: everything the process
// needs before it can reach the ledger. Runtime tunables live in params and
// change through the admin API, not here.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes human-readable strings ("30s", "5m") from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the decoded bootstrap file.
type Config struct {
	Listen      string `toml:"listen"`
	Environment string `toml:"environment"`
	Timezone    string `toml:"timezone"`

	Ledger    LedgerConfig    `toml:"ledger"`
	Redis     RedisConfig     `toml:"redis"`
	Chain     ChainConfig     `toml:"chain"`
	API       APIConfig       `toml:"api"`
	Log       LogConfig       `toml:"log"`
	Retention RetentionConfig `toml:"retention"`
	Params    ParamsConfig    `toml:"params"`
}

// LedgerConfig selects and sizes the durable store.
type LedgerConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string   `toml:"driver"`
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

// RedisConfig points at the ephemeral store. An empty addr keeps the daemon
// on the in-process memory store.
type RedisConfig struct {
	Addr        string `toml:"addr"`
	Password    string `toml:"password"`
	PasswordEnv string `toml:"password_env"`
	DB          int    `toml:"db"`
}

// ChainConfig wires the settlement gateway. Exactly one of the signer key
// sources must yield a key.
type ChainConfig struct {
	Endpoints     []string `toml:"endpoints"`
	SignerKey     string   `toml:"signer_key"`
	SignerKeyEnv  string   `toml:"signer_key_env"`
	SignerKeyFile string   `toml:"signer_key_file"`
}

// APIConfig carries the HTTP surface's security and throttling knobs.
type APIConfig struct {
	// SharedSecret gates withdrawal requests when set; the env variant
	// overrides the literal.
	SharedSecret    string `toml:"shared_secret"`
	SharedSecretEnv string `toml:"shared_secret_env"`
	// AdminJWTSecret verifies HS256 bearer tokens on /v1/admin.
	AdminJWTSecret    string `toml:"admin_jwt_secret"`
	AdminJWTSecretEnv string `toml:"admin_jwt_secret_env"`
	// RequireSignatures enforces personal-sign headers on signal and
	// withdrawal requests.
	RequireSignatures bool `toml:"require_signatures"`
	// RateLimitRPS and RateLimitBurst shape the per-client token bucket.
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `toml:"level"`
	// File, when set, mirrors the JSON stream to a size-rotated file.
	File string `toml:"file"`
}

// RetentionConfig locates parquet archives. Empty disables archiving.
type RetentionConfig struct {
	ArchiveDir string `toml:"archive_dir"`
}

// ParamsConfig locates the optional YAML seed for runtime tunables.
type ParamsConfig struct {
	SeedFile string `toml:"seed_file"`
}

// Load decodes, defaults, resolves secrets and validates the file at path.
// Unknown keys are rejected so typos fail the boot instead of silently
// running with defaults.
func Load(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config: unknown keys %v in %s", undecoded, path)
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Location parses the configured timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps the configured level name onto slog. Unknown names fall
// back to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
