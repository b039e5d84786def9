package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validBody = `
listen = ":9090"
environment = "staging"
timezone = "America/New_York"

[ledger]
driver = "postgres"
dsn = "host=db user=pool dbname=pool"
max_open_conns = 25
max_idle_conns = 5
conn_max_lifetime = "15m"

[redis]
addr = "redis:6379"
db = 2

[chain]
endpoints = ["https://rpc-a.example", "https://rpc-b.example"]
signer_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

[api]
admin_jwt_secret = "admin-secret"
shared_secret = "pool-secret"
require_signatures = true
rate_limit_rps = 50
rate_limit_burst = 100

[log]
level = "debug"
file = "/var/log/poold.log"

[retention]
archive_dir = "/var/lib/pool/archive"

[params]
seed_file = "/etc/pool/tunables.yaml"
`

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validBody))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "staging", cfg.Environment)
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "America/New_York", loc.String())

	require.Equal(t, "postgres", cfg.Ledger.Driver)
	require.Equal(t, 25, cfg.Ledger.MaxOpenConns)
	require.Equal(t, 15*time.Minute, cfg.Ledger.ConnMaxLifetime.Duration)

	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)

	require.Len(t, cfg.Chain.Endpoints, 2)
	require.Equal(t, "admin-secret", cfg.API.AdminJWTSecret)
	require.Equal(t, "pool-secret", cfg.API.SharedSecret)
	require.True(t, cfg.API.RequireSignatures)
	require.Equal(t, float64(50), cfg.API.RateLimitRPS)
	require.Equal(t, 100, cfg.API.RateLimitBurst)

	require.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	require.Equal(t, "/var/lib/pool/archive", cfg.Retention.ArchiveDir)
	require.Equal(t, "/etc/pool/tunables.yaml", cfg.Params.SeedFile)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	body := validBody + "\nlisten_addres = \":1\"\n"
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown keys")
}

func TestLoadAppliesDefaults(t *testing.T) {
	body := `
[chain]
endpoints = ["https://rpc.example"]
signer_key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

[api]
admin_jwt_secret = "admin-secret"
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, "dev", cfg.Environment)
	require.Equal(t, "UTC", cfg.Timezone)
	require.Equal(t, "sqlite", cfg.Ledger.Driver)
	require.Equal(t, "file:pulsepool.db?cache=shared", cfg.Ledger.DSN)
	require.Equal(t, 30*time.Minute, cfg.Ledger.ConnMaxLifetime.Duration)
	require.Equal(t, float64(20), cfg.API.RateLimitRPS)
	require.Equal(t, 40, cfg.API.RateLimitBurst)
	require.False(t, cfg.API.RequireSignatures)
	require.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
	require.Empty(t, cfg.Retention.ArchiveDir)
}

func TestLoadSignerKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_POOL_SIGNER", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	body := `
[chain]
endpoints = ["https://rpc.example"]
signer_key_env = "TEST_POOL_SIGNER"

[api]
admin_jwt_secret = "admin-secret"
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", cfg.Chain.SignerKey)
}

func TestLoadSignerKeyFromFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "signer.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("deadbeef\n"), 0o600))
	body := `
[chain]
endpoints = ["https://rpc.example"]
signer_key_file = "` + keyFile + `"

[api]
admin_jwt_secret = "admin-secret"
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "deadbeef", cfg.Chain.SignerKey)
}

func TestLoadMissingSignerKey(t *testing.T) {
	body := `
[chain]
endpoints = ["https://rpc.example"]

[api]
admin_jwt_secret = "admin-secret"
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	require.Contains(t, err.Error(), "signer key")
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("TEST_POOL_SHARED", "from-env")
	t.Setenv("TEST_POOL_ADMIN", "admin-from-env")
	body := `
[chain]
endpoints = ["https://rpc.example"]
signer_key = "aa"

[api]
shared_secret = "from-file"
shared_secret_env = "TEST_POOL_SHARED"
admin_jwt_secret = "admin-from-file"
admin_jwt_secret_env = "TEST_POOL_ADMIN"
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.API.SharedSecret)
	require.Equal(t, "admin-from-env", cfg.API.AdminJWTSecret)
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		return Config{
			Listen:   ":8080",
			Timezone: "UTC",
			Ledger:   LedgerConfig{Driver: "sqlite", DSN: "file:x.db"},
			Chain:    ChainConfig{Endpoints: []string{"https://rpc.example"}, SignerKey: "aa"},
			API:      APIConfig{AdminJWTSecret: "s"},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Ledger.Driver = "mysql" }, "driver"},
		{"empty dsn", func(c *Config) { c.Ledger.DSN = " " }, "dsn"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"no endpoints", func(c *Config) { c.Chain.Endpoints = []string{" "} }, "endpoint"},
		{"no admin secret", func(c *Config) { c.API.AdminJWTSecret = "" }, "admin_jwt_secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
