package alerting

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"dfir-detect/internal/correlation"
)

// ErrAlertNotFound is returned when no alert is stored under a dedup key.
var ErrAlertNotFound = errors.New("alert not found")

// DedupPolicy decides which matches collapse into the same alert.
type DedupPolicy struct {
	// Fields are the entity kinds whose values identify an alert. Empty means
	// the rule's correlating entity.
	Fields []string `yaml:"fields" json:"fields"`
	// Bucket is the time bucket width. Zero means the rule window.
	Bucket time.Duration `yaml:"bucket" json:"bucket"`
}

// BucketFor returns the bucket width used for a rule.
func (p DedupPolicy) BucketFor(rule *correlation.CompiledRule) time.Duration {
	if p.Bucket > 0 {
		return p.Bucket
	}
	return rule.Window()
}

// Key returns the dedup key of a match and the start of its time bucket.
// Keys have the form "<tenant>/<rule>|<entity hash>|<bucket unix>".
func (p DedupPolicy) Key(res correlation.MatchResult, rule *correlation.CompiledRule) (string, time.Time) {
	bucket := res.MatchedAt.UTC().Truncate(p.BucketFor(rule))
	return p.KeyAt(res, rule, bucket), bucket
}

// KeyAt returns the dedup key of a match's entity set in the given bucket.
func (p DedupPolicy) KeyAt(res correlation.MatchResult, rule *correlation.CompiledRule, bucket time.Time) string {
	fields := p.Fields
	if len(fields) == 0 {
		fields = []string{rule.Rule.EntityKind()}
	}
	fields = append([]string(nil), fields...)
	sort.Strings(fields)

	var b strings.Builder
	for _, f := range fields {
		values := append([]string(nil), res.Entities[f]...)
		sort.Strings(values)
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte(';')
	}
	b.WriteString("group=")
	b.WriteString(res.GroupKey)

	sum := blake2b.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s/%s|%s|%d", res.TenantID, res.RuleID, hex.EncodeToString(sum[:16]), bucket.Unix())
}

// UpdateFunc computes the next value stored under a key from the current
// one, which is nil when absent. Returning a nil alert leaves the key
// untouched. It may be called more than once per Upsert and must not modify
// its argument.
type UpdateFunc func(cur *Alert) (*Alert, error)

// DedupStore persists active alerts by dedup key. Upsert is atomic per key.
// A ttl of zero keeps the key's current expiry.
type DedupStore interface {
	Upsert(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (*Alert, error)
	Get(ctx context.Context, key string) (*Alert, error)
}
