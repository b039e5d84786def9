package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = ":8080"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "UTC"
	}
	if strings.TrimSpace(cfg.Ledger.Driver) == "" {
		cfg.Ledger.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.Ledger.DSN) == "" && cfg.Ledger.Driver == "sqlite" {
		cfg.Ledger.DSN = "file:pulsepool.db?cache=shared"
	}
	if cfg.Ledger.ConnMaxLifetime.Duration == 0 {
		cfg.Ledger.ConnMaxLifetime.Duration = 30 * time.Minute
	}
	if cfg.API.RateLimitRPS <= 0 {
		cfg.API.RateLimitRPS = 20
	}
	if cfg.API.RateLimitBurst <= 0 {
		cfg.API.RateLimitBurst = 40
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

// resolveSecrets pulls env- and file-sourced secrets into their literal
// fields. Environment variables win over literals so deployments never have
// to write secrets into the file.
func (c *Config) resolveSecrets() error {
	if name := strings.TrimSpace(c.Redis.PasswordEnv); name != "" {
		if value := os.Getenv(name); value != "" {
			c.Redis.Password = value
		}
	}
	if name := strings.TrimSpace(c.API.SharedSecretEnv); name != "" {
		if value := os.Getenv(name); value != "" {
			c.API.SharedSecret = value
		}
	}
	if name := strings.TrimSpace(c.API.AdminJWTSecretEnv); name != "" {
		if value := os.Getenv(name); value != "" {
			c.API.AdminJWTSecret = value
		}
	}
	return c.Chain.resolveSignerKey()
}

// resolveSignerKey fills SignerKey from the env or file source when the
// literal is absent, mirroring how the settlement key is provisioned in
// production.
func (c *ChainConfig) resolveSignerKey() error {
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("config: chain signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("config: read chain signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("config: chain signer key is required (signer_key, signer_key_env or signer_key_file)")
	}
	return nil
}

// Validate rejects configs the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config: listen address must be configured")
	}
	switch c.Ledger.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: ledger driver must be postgres or sqlite, got %q", c.Ledger.Driver)
	}
	if strings.TrimSpace(c.Ledger.DSN) == "" {
		return fmt.Errorf("config: ledger dsn must be configured")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	endpoints := 0
	for _, endpoint := range c.Chain.Endpoints {
		if strings.TrimSpace(endpoint) != "" {
			endpoints++
		}
	}
	if endpoints == 0 {
		return fmt.Errorf("config: at least one chain endpoint must be configured")
	}
	if strings.TrimSpace(c.Chain.SignerKey) == "" {
		return fmt.Errorf("config: chain signer key must be configured")
	}
	if strings.TrimSpace(c.API.AdminJWTSecret) == "" {
		return fmt.Errorf("config: api admin_jwt_secret must be configured")
	}
	return nil
}
