package rulestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dfir-detect/internal/correlation"
)

// Document is one rule definition file as delivered by a source.
type Document struct {
	Name string
	Data []byte
}

// Source delivers rule definitions per tenant.
type Source interface {
	// Tenants lists tenants that have rule definitions.
	Tenants(ctx context.Context) ([]string, error)
	// Documents returns the tenant's rule documents. A tenant without rules
	// yields no documents and no error.
	Documents(ctx context.Context, tenantID string) ([]Document, error)
}

// IsRuleFile reports whether a file name looks like a rule document.
func IsRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}

// FileSource reads rules from <Dir>/<tenant>/*.yaml.
type FileSource struct {
	Dir string
}

// NewFileSource creates a file source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

// Tenants implements Source.
func (s *FileSource) Tenants(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list rule directory: %w", err)
	}

	var tenants []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			tenants = append(tenants, entry.Name())
		}
	}
	return tenants, nil
}

// Documents implements Source.
func (s *FileSource) Documents(ctx context.Context, tenantID string) ([]Document, error) {
	if tenantID == "" || strings.ContainsAny(tenantID, `/\`) || tenantID == ".." {
		return nil, fmt.Errorf("invalid tenant id %q", tenantID)
	}
	dir := filepath.Join(s.Dir, tenantID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list rules for tenant %s: %w", tenantID, err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || !IsRuleFile(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", entry.Name(), err)
		}
		docs = append(docs, Document{Name: entry.Name(), Data: data})
	}
	return docs, nil
}

// StaticSource serves in-memory rules, such as the builtins. Rules can be
// replaced at runtime with Set.
type StaticSource struct {
	mu    sync.RWMutex
	rules map[string][]*correlation.Rule
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{rules: make(map[string][]*correlation.Rule)}
}

// Set replaces the rules of a tenant.
func (s *StaticSource) Set(tenantID string, rules []*correlation.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := make([]*correlation.Rule, len(rules))
	for i, r := range rules {
		cloned[i] = r.Clone()
	}
	s.rules[tenantID] = cloned
}

// Tenants implements Source.
func (s *StaticSource) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]string, 0, len(s.rules))
	for t := range s.rules {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Documents implements Source.
func (s *StaticSource) Documents(ctx context.Context, tenantID string) ([]Document, error) {
	s.mu.RLock()
	rules := s.rules[tenantID]
	s.mu.RUnlock()
	if len(rules) == 0 {
		return nil, nil
	}
	data, err := correlation.MarshalRules(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal static rules: %w", err)
	}
	return []Document{{Name: "static.yaml", Data: data}}, nil
}

// MultiSource merges several sources. Document names are prefixed with the
// source index so equal file names do not collide.
type MultiSource []Source

// Tenants implements Source.
func (m MultiSource) Tenants(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var tenants []string
	for _, src := range m {
		list, err := src.Tenants(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range list {
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				tenants = append(tenants, t)
			}
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Documents implements Source.
func (m MultiSource) Documents(ctx context.Context, tenantID string) ([]Document, error) {
	var docs []Document
	for i, src := range m {
		list, err := src.Documents(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		for _, d := range list {
			docs = append(docs, Document{Name: fmt.Sprintf("%d:%s", i, d.Name), Data: d.Data})
		}
	}
	return docs, nil
}
