package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// NewUUID generates a new UUIDv7 (time-based).
func NewUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %w", err)
	}
	return id.String(), nil
}

// NewRequestID returns a UUIDv7 for tagging a request, falling back to a
// random v4 if the time source fails.
func NewRequestID() string {
	if id, err := NewUUID(); err == nil {
		return id
	}
	return uuid.NewString()
}

// ValidRequestID reports whether s is a UUID a client may pass through.
func ValidRequestID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
