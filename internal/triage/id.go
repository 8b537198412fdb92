package triage

import "github.com/google/uuid"

// newID mints an identifier for server-created rows.
func newID() string {
	return uuid.NewString()
}
