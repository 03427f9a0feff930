package model

import "github.com/google/uuid"

// NewID generates a new random UUID string for use as an operation identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a well-formed operation identifier.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
