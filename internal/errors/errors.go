package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoRules is returned at startup when no rule could be loaded for any tenant.
// It is the only error the engine treats as fatal.
var ErrNoRules = errors.New("detection: no rules loaded")

// ValidationError reports a malformed rule definition. The rule is skipped
// and never scheduled.
type ValidationError struct {
	TenantID string
	RuleID   string
	Field    string
	Reason   string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rule %s/%s: invalid %s: %s", e.TenantID, e.RuleID, e.Field, e.Reason)
	}
	return fmt.Sprintf("rule %s/%s: %s", e.TenantID, e.RuleID, e.Reason)
}

// NewValidationError creates a ValidationError for a rule field.
func NewValidationError(tenantID, ruleID, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		TenantID: tenantID,
		RuleID:   ruleID,
		Field:    field,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// MatchTimeout reports a matcher that exceeded its evaluation budget.
// It is transient and counts toward rule suppression.
type MatchTimeout struct {
	TenantID string
	RuleID   string
	Budget   time.Duration
}

// Error returns the error message.
func (e *MatchTimeout) Error() string {
	return fmt.Sprintf("rule %s/%s: evaluation exceeded %v", e.TenantID, e.RuleID, e.Budget)
}

// BufferExhaustion reports that a tenant buffer hit its size cap and evicted
// events early. It is a data-completeness warning, never a hard failure.
type BufferExhaustion struct {
	TenantID string
	Evicted  int
	Cap      int
}

// Error returns the error message.
func (e *BufferExhaustion) Error() string {
	return fmt.Sprintf("tenant %s: buffer cap %d reached, evicted %d oldest events early", e.TenantID, e.Cap, e.Evicted)
}

// DuplicateAlertRace describes concurrent submissions contending for the same
// dedup key. Losers re-read and merge, so it is logged for visibility and
// never returned to callers.
type DuplicateAlertRace struct {
	DedupKey string
	Attempts int
}

// Error returns the error message.
func (e *DuplicateAlertRace) Error() string {
	return fmt.Sprintf("alert %s: %d conflicting concurrent updates", e.DedupKey, e.Attempts)
}

// MatcherPanic wraps a panic recovered from a matcher.
type MatcherPanic struct {
	RuleID string
	Value  any
}

// Error returns the error message.
func (e *MatcherPanic) Error() string {
	return fmt.Sprintf("rule %s: matcher panic: %v", e.RuleID, e.Value)
}

// IsTransient reports whether a matcher error is expected to clear on the
// next natural trigger.
func IsTransient(err error) bool {
	var mt *MatchTimeout
	return errors.As(err, &mt)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
