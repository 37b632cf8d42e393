package s3

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"dfir-detect/internal/rulestore"
)

// ObjectStore is the subset of Client used by RuleSource.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// RuleSource reads rule documents laid out as <prefix><tenant>/<name>.yaml.
// Objects nested deeper than one folder are ignored.
type RuleSource struct {
	store ObjectStore
}

var _ rulestore.Source = (*RuleSource)(nil)

// NewRuleSource creates a rule source over an object store.
func NewRuleSource(store ObjectStore) *RuleSource {
	return &RuleSource{store: store}
}

// Tenants implements rulestore.Source.
func (s *RuleSource) Tenants(ctx context.Context) ([]string, error) {
	objects, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var tenants []string
	for _, obj := range objects {
		tenant, name, ok := splitRuleKey(obj.Key)
		if !ok || !rulestore.IsRuleFile(name) {
			continue
		}
		if _, dup := seen[tenant]; !dup {
			seen[tenant] = struct{}{}
			tenants = append(tenants, tenant)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Documents implements rulestore.Source.
func (s *RuleSource) Documents(ctx context.Context, tenantID string) ([]rulestore.Document, error) {
	if tenantID == "" || strings.Contains(tenantID, "/") {
		return nil, fmt.Errorf("s3: invalid tenant id %q", tenantID)
	}
	objects, err := s.store.List(ctx, tenantID+"/")
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	var docs []rulestore.Document
	for _, obj := range objects {
		tenant, name, ok := splitRuleKey(obj.Key)
		if !ok || tenant != tenantID || !rulestore.IsRuleFile(name) {
			continue
		}
		data, err := s.store.Download(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		docs = append(docs, rulestore.Document{Name: name, Data: data})
	}
	return docs, nil
}

// splitRuleKey splits "tenant/name.yaml" into its parts.
func splitRuleKey(key string) (tenant, name string, ok bool) {
	dir, name := path.Split(key)
	tenant = strings.TrimSuffix(dir, "/")
	if tenant == "" || name == "" || strings.Contains(tenant, "/") {
		return "", "", false
	}
	return tenant, name, true
}
