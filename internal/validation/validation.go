// Package validation checks record payloads before they are committed
// to the local store. Everything here is field-level: callers collect
// the failures and report them all at once rather than stopping at the
// first one.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/oversightlabs/fieldsync/internal/types"
)

// MaxPayloadBytes bounds a single record payload. Field notes and
// attendance entries are small; anything larger is a client bug.
const MaxPayloadBytes = 256 * 1024

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidatePayload returns an error if the payload is not a JSON object
// within the size bound, or if its raw bytes are not clean UTF-8 free
// of null bytes. An absent payload is legal; the store persists it as
// an empty object.
func ValidatePayload(field string, payload json.RawMessage) *ValidationError {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > MaxPayloadBytes {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes),
		}
	}
	if err := ValidateUTF8(field, string(payload)); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, string(payload)); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid JSON",
		}
	}
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return &ValidationError{
			Field:   field,
			Message: "must be a JSON object",
		}
	}
	return nil
}

// ValidateOwnerID returns an error unless the owner id is a positive
// server-side identifier.
func ValidateOwnerID(field string, ownerID int64) *ValidationError {
	if ownerID <= 0 {
		return &ValidationError{
			Field:   field,
			Message: "must be a positive id",
		}
	}
	return nil
}

// ValidateEntityType returns an error for unknown entity types.
func ValidateEntityType(field string, entityType types.EntityType) *ValidationError {
	switch entityType {
	case types.EntityNote, types.EntityDocument, types.EntityAttendance:
		return nil
	default:
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("unknown entity type %q", string(entityType)),
		}
	}
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateCreateRecord checks the fields of a record about to be created
// locally, returning every failure at once.
func ValidateCreateRecord(entityType types.EntityType, ownerID int64, payload json.RawMessage) []ValidationError {
	var c Collector
	c.Add(ValidateEntityType("entity_type", entityType))
	c.Add(ValidateOwnerID("owner_id", ownerID))
	c.Add(ValidatePayload("payload", payload))
	return c.Errors()
}

// ValidateUpdateRecord checks the fields of a local edit.
func ValidateUpdateRecord(payload json.RawMessage) []ValidationError {
	var c Collector
	c.Add(ValidatePayload("payload", payload))
	return c.Errors()
}
