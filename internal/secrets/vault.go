package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultConfig configures the Vault KV v2 provider.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
	// Token may itself be an env: reference.
	Token string `yaml:"token" validate:"required_if=Enabled true"`
	// Path is the KV v2 mount and prefix, e.g. "secret/dfir-detect".
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultProvider reads secrets from HashiCorp Vault. A key is a path below
// the configured prefix, optionally followed by "#field"; without a field
// the "value" field is used.
type VaultProvider struct {
	address    string
	token      string
	mount      string
	prefix     string
	httpClient *http.Client
}

// NewVaultProvider creates a Vault provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	token := cfg.Token
	if name, key := ParseRef(token); name == "env" {
		v, err := EnvProvider{}.Get(context.Background(), key)
		if err != nil {
			return nil, fmt.Errorf("vault token: %w", err)
		}
		token = v
	}
	if token == "" {
		return nil, errors.New("vault token is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	mount, prefix, _ := strings.Cut(strings.Trim(cfg.Path, "/"), "/")
	if mount == "" {
		mount = "secret"
	}

	return &VaultProvider{
		address:    strings.TrimSuffix(cfg.Address, "/"),
		token:      token,
		mount:      mount,
		prefix:     prefix,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Provider.
func (v *VaultProvider) Name() string { return "vault" }

// secretPath builds the KV v2 read path for a key.
func (v *VaultProvider) secretPath(key string) string {
	key = strings.Trim(key, "/")
	if v.prefix != "" {
		key = v.prefix + "/" + key
	}
	return fmt.Sprintf("/v1/%s/data/%s", v.mount, key)
}

type vaultReadResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

// Get implements Provider.
func (v *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	path, field, _ := strings.Cut(key, "#")
	if field == "" {
		field = "value"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+v.secretPath(path), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrSecretNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out vaultReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode vault response: %w", err)
	}
	value, ok := out.Data.Data[field].(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q", ErrSecretNotFound, field)
	}
	return value, nil
}
