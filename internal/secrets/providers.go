package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// Name implements Provider.
func (EnvProvider) Name() string { return "env" }

// Get implements Provider.
func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// FileProvider reads one secret per file below a directory, as mounted by
// Docker or Kubernetes.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Name implements Provider.
func (f *FileProvider) Name() string { return "file" }

// Get implements Provider. Keys may not leave the directory.
func (f *FileProvider) Get(_ context.Context, key string) (string, error) {
	clean := filepath.Clean(key)
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}

	data, err := os.ReadFile(filepath.Join(f.dir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
