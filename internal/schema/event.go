// Package schema defines the normalized event model consumed by the detection engine.
// Upstream parsers convert every source format to this structure before ingestion.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a normalized, tenant-scoped security event.
// Events are immutable once handed to the event buffer.
type Event struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	TenantID  string    `json:"tenant_id" validate:"required,max=128"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Action    string    `json:"action" validate:"required,action_format"`

	// Optional fields
	Entities Entities       `json:"entities"`
	Fields   map[string]any `json:"fields,omitempty"`
	RawRef   string         `json:"raw_ref,omitempty" validate:"max=1024"`
	Source   Source         `json:"source"`

	// Internal fields (set by system)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Entities holds the identifiers events are correlated on.
type Entities struct {
	Host       string   `json:"host,omitempty" validate:"max=256"`
	User       string   `json:"user,omitempty" validate:"max=256"`
	Process    string   `json:"process,omitempty" validate:"max=1024"`
	Indicators []string `json:"indicators,omitempty" validate:"max=64,dive,max=1024"`
}

// Source identifies where the event originated.
type Source struct {
	Product string `json:"product,omitempty" validate:"max=256"`
	Host    string `json:"host,omitempty" validate:"max=256"`
}

// Entity kinds usable as correlation keys.
const (
	EntityHost      = "host"
	EntityUser      = "user"
	EntityProcess   = "process"
	EntityIndicator = "indicator"
)

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "2.0.0"

// Field resolves a normalized field name against the event.
// Well-known names map to struct fields; anything else is looked up in Fields.
func (e *Event) Field(name string) (any, bool) {
	switch name {
	case "action":
		return e.Action, e.Action != ""
	case "tenant_id":
		return e.TenantID, e.TenantID != ""
	case EntityHost, "entities.host":
		return e.Entities.Host, e.Entities.Host != ""
	case EntityUser, "entities.user":
		return e.Entities.User, e.Entities.User != ""
	case EntityProcess, "entities.process":
		return e.Entities.Process, e.Entities.Process != ""
	case "indicators", EntityIndicator, "entities.indicators":
		return e.Entities.Indicators, len(e.Entities.Indicators) > 0
	case "source.product":
		return e.Source.Product, e.Source.Product != ""
	case "source.host":
		return e.Source.Host, e.Source.Host != ""
	case "raw_ref":
		return e.RawRef, e.RawRef != ""
	}

	if e.Fields == nil {
		return nil, false
	}
	if v, ok := e.Fields[name]; ok {
		return v, v != nil
	}
	if rest, ok := strings.CutPrefix(name, "fields."); ok {
		v, ok := e.Fields[rest]
		return v, ok && v != nil
	}
	return nil, false
}

// EntityValues returns the values of an entity kind (or arbitrary field) used
// as a correlation key. Indicators yield one value per indicator.
func (e *Event) EntityValues(kind string) []string {
	switch kind {
	case EntityHost:
		return nonEmpty(e.Entities.Host)
	case EntityUser:
		return nonEmpty(e.Entities.User)
	case EntityProcess:
		return nonEmpty(e.Entities.Process)
	case EntityIndicator, "indicators":
		return e.Entities.Indicators
	}

	v, ok := e.Field(kind)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case string:
		return nonEmpty(val)
	case []string:
		return val
	}
	return nonEmpty(Stringify(v))
}

// EntityKeys returns every "kind:value" key the buffer indexes this event under.
func (e *Event) EntityKeys() []string {
	keys := make([]string, 0, 3+len(e.Entities.Indicators))
	if e.Entities.Host != "" {
		keys = append(keys, EntityKey(EntityHost, e.Entities.Host))
	}
	if e.Entities.User != "" {
		keys = append(keys, EntityKey(EntityUser, e.Entities.User))
	}
	if e.Entities.Process != "" {
		keys = append(keys, EntityKey(EntityProcess, e.Entities.Process))
	}
	for _, ind := range e.Entities.Indicators {
		if ind != "" {
			keys = append(keys, EntityKey(EntityIndicator, ind))
		}
	}
	return keys
}

// EntityKey builds the index key for an entity value.
func EntityKey(kind, value string) string {
	return kind + ":" + value
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
