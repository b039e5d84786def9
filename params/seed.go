package params

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pulsepool/ledger"
)

// seedFile mirrors the YAML representation of the tunables seed: a flat map
// of config key to value. A null value seeds a nullable key as NULL.
type seedFile map[string]*string

// LoadSeedFile reads operator-supplied initial tunables from a YAML file.
// Every key must belong to the closed key set and every value must pass the
// same bounds Set enforces; keys absent from the file fall back to the
// built-in defaults at seed time.
func LoadSeedFile(path string, now time.Time) ([]ledger.ConfigEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("params: open seed file: %w", err)
	}
	defer file.Close()

	var raw seedFile
	if err := yaml.NewDecoder(file).Decode(&raw); err != nil {
		return nil, fmt.Errorf("params: decode seed file: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]ledger.ConfigEntry, 0, len(raw))
	for _, key := range keys {
		value := raw[key]
		if value != nil {
			trimmed := strings.TrimSpace(*value)
			value = &trimmed
		}
		if err := validateValue(key, value); err != nil {
			return nil, fmt.Errorf("params: seed file: %w", err)
		}
		entries = append(entries, ledger.ConfigEntry{Key: key, Value: value, UpdatedAt: now})
	}
	return entries, nil
}

// SeedFrom inserts the supplied entries for keys that do not exist yet, then
// fills any still-missing key with its default. Operator-set rows are never
// overwritten.
func (s *Service) SeedFrom(ctx context.Context, entries []ledger.ConfigEntry) error {
	if len(entries) > 0 {
		if err := s.ledger.SeedConfigEntries(ctx, entries); err != nil {
			return err
		}
	}
	return s.Seed(ctx)
}
