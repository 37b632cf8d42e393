package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// actionPattern defines the valid format for normalized event types.
// Actions must be lowercase, start with a letter, and use dots or underscores as separators.
// Examples: "logon_failure", "process_create", "network.connect"
var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validator handles validation of events against the normalized schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
	now       func() time.Time
}

// ValidatorConfig holds configuration for the validator.
// A zero MaxAge accepts arbitrarily old events (historical replay).
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("action_format", func(fl validator.FieldLevel) bool {
		return actionPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
		now:       time.Now,
	}
}

// Validate validates an event against the normalized schema.
func (v *Validator) Validate(event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	now := v.now().UTC()

	if v.maxAge > 0 && event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if v.maxFuture > 0 && event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	for name := range event.Fields {
		if name == "" {
			return fmt.Errorf("fields: empty field name")
		}
	}

	return nil
}

// ValidateAction checks if an action string matches the required format.
func ValidateAction(action string) bool {
	return actionPattern.MatchString(action)
}
