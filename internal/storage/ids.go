package storage

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a globally unique identifier for a stored row.
func NewID() string {
	return uuid.NewString()
}

// NewShortCode returns a short user-facing code, e.g. for quoting a plan in
// a chat message. Eight hex characters keep collisions unlikely at the
// per-user scale these codes live in; the UNIQUE constraint catches the
// rest.
func NewShortCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
