package teamconfig

import (
	"errors"
	"fmt"
)

// Sentinel errors for rejected uploads.
var (
	ErrInvalidJSON     = errors.New("invalid JSON")
	ErrSchemaViolation = errors.New("team configuration schema violation")
)

const errNoParticipantList = "must be a non-empty list of participants"

// SchemaError reports a structurally invalid team configuration.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("team configuration: %q %s", e.Field, e.Reason)
}

// Is allows comparison with ErrSchemaViolation.
func (e *SchemaError) Is(target error) bool {
	if target == ErrSchemaViolation {
		return true
	}
	_, ok := target.(*SchemaError)
	return ok
}

// FieldOf returns the offending field of a schema violation, or "".
func FieldOf(err error) string {
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return schemaErr.Field
	}
	return ""
}
