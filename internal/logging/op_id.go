package logging

import (
	"github.com/google/uuid"
)

// NewOpID generates a unique operation ID for tracing a single index
// operation (insert, delete, scan) across log entries.
func NewOpID() string {
	return uuid.NewString()
}
