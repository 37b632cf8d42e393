// Package secrets resolves secret references in configuration values.
//
// A reference names its provider with a prefix:
//
//	env:DFIR_REDIS_PASSWORD   environment variable
//	file:clickhouse_password  file below the configured directory
//	vault:kafka/sasl          HashiCorp Vault KV v2 entry
//
// Values without a known prefix are literals.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrSecretNotFound is returned when a provider has no such secret.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned for a reference to an unconfigured provider.
	ErrNoProvider = errors.New("secret provider not configured")
)

// Provider retrieves secrets by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Config holds configuration for the secrets manager.
type Config struct {
	// FileDir enables the file provider, e.g. a mounted Kubernetes secret.
	FileDir string      `yaml:"file_dir"`
	Vault   VaultConfig `yaml:"vault"`
	// CacheTTL keeps resolved values. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"min=0"`
}

// DefaultConfig returns default secrets configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL: 5 * time.Minute,
		Vault:    VaultConfig{Path: "secret/dfir-detect", Timeout: 10 * time.Second},
	}
}

// Manager dispatches references to providers and caches the results.
type Manager struct {
	providers map[string]Provider
	cache     *expirable.LRU[string, string]
	logger    *slog.Logger
}

// NewManager creates a manager with the env provider and whichever of the
// file and Vault providers cfg enables.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		providers: make(map[string]Provider),
		logger:    logger,
	}
	if cfg.CacheTTL > 0 {
		m.cache = expirable.NewLRU[string, string](256, nil, cfg.CacheTTL)
	}

	m.Register(EnvProvider{})
	if cfg.FileDir != "" {
		m.Register(NewFileProvider(cfg.FileDir))
	}
	if cfg.Vault.Enabled {
		vp, err := NewVaultProvider(cfg.Vault)
		if err != nil {
			return nil, err
		}
		m.Register(vp)
	}
	return m, nil
}

// Register adds or replaces a provider under its name.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// ParseRef splits a reference into provider and key. Literals yield an
// empty provider.
func ParseRef(ref string) (provider, key string) {
	name, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", ref
	}
	switch name {
	case "env", "file", "vault":
		return name, rest
	}
	return "", ref
}

// Resolve returns the value a reference points at. Literals are returned
// unchanged.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	name, key := ParseRef(ref)
	if name == "" {
		return key, nil
	}
	if m.cache != nil {
		if v, ok := m.cache.Get(ref); ok {
			return v, nil
		}
	}

	p, ok := m.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoProvider, name)
	}
	value, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s secret %q: %w", name, key, err)
	}

	if m.cache != nil {
		m.cache.Add(ref, value)
	}
	m.logger.Debug("secret resolved", "provider", name, "key", key)
	return value, nil
}

// ResolveAll resolves each target in place and joins the errors.
func (m *Manager) ResolveAll(ctx context.Context, targets ...*string) error {
	var errs []error
	for _, t := range targets {
		if t == nil || *t == "" {
			continue
		}
		v, err := m.Resolve(ctx, *t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*t = v
	}
	return errors.Join(errs...)
}
