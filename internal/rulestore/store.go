// Package rulestore loads, validates and serves compiled detection rules per
// tenant.
package rulestore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dfir-detect/internal/correlation"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/metrics"
)

// Config holds rule store configuration.
type Config struct {
	// MaxRetention bounds the history any rule may read. Zero disables the check.
	MaxRetention time.Duration
	// Defaults are applied to rules leaving window or threshold unset.
	Defaults map[correlation.PatternType]correlation.Defaults
	// OnInvalid is called once per rule revision that fails validation.
	OnInvalid func(err *derrors.ValidationError)
}

// Invalid describes a rule definition that failed to load.
type Invalid struct {
	TenantID string `json:"tenant_id"`
	RuleID   string `json:"rule_id,omitempty"`
	Document string `json:"document"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
	revision string
}

type tenantRules struct {
	enabled  map[string]*correlation.CompiledRule
	disabled map[string]*correlation.CompiledRule
	invalid  map[string]Invalid // keyed by document and rule id
}

// Store holds the compiled rule set of every tenant. Readers always see a
// complete revision of a tenant's rules.
type Store struct {
	src Source
	cfg Config

	mu      sync.RWMutex
	tenants map[string]*tenantRules
}

// New creates a rule store reading from src.
func New(src Source, cfg Config) *Store {
	return &Store{
		src:     src,
		cfg:     cfg,
		tenants: make(map[string]*tenantRules),
	}
}

// Refresh reloads one tenant's rules. On a source error the previous rule set
// is kept. Invalid rules are skipped and reported; they never fail the refresh.
func (s *Store) Refresh(ctx context.Context, tenantID string) error {
	docs, err := s.src.Documents(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load rules for tenant %s: %w", tenantID, err)
	}

	s.mu.RLock()
	prev := s.tenants[tenantID]
	s.mu.RUnlock()

	next := &tenantRules{
		enabled:  make(map[string]*correlation.CompiledRule),
		disabled: make(map[string]*correlation.CompiledRule),
		invalid:  make(map[string]Invalid),
	}
	for _, doc := range docs {
		s.loadDocument(tenantID, doc, next)
	}

	for key, inv := range next.invalid {
		if prev != nil {
			if old, ok := prev.invalid[key]; ok && old.revision == inv.revision {
				continue
			}
		}
		s.report(inv)
	}

	s.mu.Lock()
	s.tenants[tenantID] = next
	s.mu.Unlock()

	metrics.RulesLoaded.WithLabelValues(tenantID).Set(float64(len(next.enabled)))
	slog.Info("rules refreshed",
		"tenant_id", tenantID,
		"enabled", len(next.enabled),
		"disabled", len(next.disabled),
		"invalid", len(next.invalid),
	)
	return nil
}

func (s *Store) loadDocument(tenantID string, doc Document, into *tenantRules) {
	rules, err := correlation.ParseRules(doc.Data)
	if err != nil {
		into.invalid[doc.Name] = Invalid{
			TenantID: tenantID,
			Document: doc.Name,
			Reason:   err.Error(),
			revision: contentHash(doc.Data),
		}
		return
	}

	for i, rule := range rules {
		if rule == nil {
			continue
		}
		key := fmt.Sprintf("%s#%d", doc.Name, i)
		if rule.ID != "" {
			key = doc.Name + "#" + rule.ID
		}
		revision := correlation.Fingerprint(rule)

		if rule.TenantID == "" {
			rule.TenantID = tenantID
		}
		var compiled *correlation.CompiledRule
		if rule.TenantID != tenantID {
			err = derrors.NewValidationError(tenantID, rule.ID, "tenant_id",
				"rule belongs to tenant %q", rule.TenantID)
		} else {
			rule.ApplyDefaults(s.cfg.Defaults)
			compiled, err = correlation.Compile(rule, s.cfg.MaxRetention)
		}
		if err == nil && (into.enabled[rule.ID] != nil || into.disabled[rule.ID] != nil) {
			err = derrors.NewValidationError(tenantID, rule.ID, "id", "duplicate rule id")
		}

		if err != nil {
			inv := Invalid{
				TenantID: tenantID,
				RuleID:   rule.ID,
				Document: doc.Name,
				Reason:   err.Error(),
				revision: revision,
			}
			var verr *derrors.ValidationError
			if errors.As(err, &verr) {
				inv.Field = verr.Field
				inv.Reason = verr.Reason
			}
			into.invalid[key] = inv
			continue
		}

		if compiled.Rule.Enabled {
			into.enabled[rule.ID] = compiled
		} else {
			into.disabled[rule.ID] = compiled
		}
	}
}

func (s *Store) report(inv Invalid) {
	verr := &derrors.ValidationError{
		TenantID: inv.TenantID,
		RuleID:   inv.RuleID,
		Field:    inv.Field,
		Reason:   inv.Reason,
	}
	slog.Warn("rule rejected",
		"tenant_id", inv.TenantID,
		"rule_id", inv.RuleID,
		"document", inv.Document,
		"field", inv.Field,
		"reason", inv.Reason,
	)
	if s.cfg.OnInvalid != nil {
		s.cfg.OnInvalid(verr)
	}
}

func contentHash(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// RefreshAll reloads every tenant the source knows about and forgets tenants
// it no longer lists. It returns errors.ErrNoRules when no tenant has an
// enabled rule afterwards.
func (s *Store) RefreshAll(ctx context.Context) error {
	tenants, err := s.src.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rule tenants: %w", err)
	}

	var errs []error
	current := make(map[string]struct{}, len(tenants))
	for _, tenant := range tenants {
		current[tenant] = struct{}{}
		if err := s.Refresh(ctx, tenant); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	for tenant := range s.tenants {
		if _, ok := current[tenant]; !ok {
			delete(s.tenants, tenant)
			metrics.RulesLoaded.DeleteLabelValues(tenant)
		}
	}
	s.mu.Unlock()

	if s.Count() == 0 {
		errs = append(errs, derrors.ErrNoRules)
	}
	return errors.Join(errs...)
}

// Rules returns the tenant's enabled rules ordered by id.
func (s *Store) Rules(tenantID string) []*correlation.CompiledRule {
	s.mu.RLock()
	tr := s.tenants[tenantID]
	s.mu.RUnlock()
	if tr == nil {
		return nil
	}
	return sortedRules(tr.enabled)
}

// Disabled returns the tenant's disabled rules ordered by id.
func (s *Store) Disabled(tenantID string) []*correlation.CompiledRule {
	s.mu.RLock()
	tr := s.tenants[tenantID]
	s.mu.RUnlock()
	if tr == nil {
		return nil
	}
	return sortedRules(tr.disabled)
}

// Rule returns one enabled rule.
func (s *Store) Rule(tenantID, ruleID string) (*correlation.CompiledRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr := s.tenants[tenantID]
	if tr == nil {
		return nil, false
	}
	r, ok := tr.enabled[ruleID]
	return r, ok
}

// Invalid returns the tenant's currently rejected rule definitions.
func (s *Store) Invalid(tenantID string) []Invalid {
	s.mu.RLock()
	tr := s.tenants[tenantID]
	s.mu.RUnlock()
	if tr == nil {
		return nil
	}
	out := make([]Invalid, 0, len(tr.invalid))
	for _, inv := range tr.invalid {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Document != out[j].Document {
			return out[i].Document < out[j].Document
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// Tenants returns the tenants with a loaded rule set, sorted.
func (s *Store) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of enabled rules across all tenants.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tr := range s.tenants {
		n += len(tr.enabled)
	}
	return n
}

// MaxSpan returns the longest history any enabled rule reads.
func (s *Store) MaxSpan() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max time.Duration
	for _, tr := range s.tenants {
		for _, r := range tr.enabled {
			if span := r.Span(); span > max {
				max = span
			}
		}
	}
	return max
}

func sortedRules(m map[string]*correlation.CompiledRule) []*correlation.CompiledRule {
	out := make([]*correlation.CompiledRule, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
