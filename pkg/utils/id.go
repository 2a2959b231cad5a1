// Package utils holds small helpers shared across layers.
package utils

import "github.com/google/uuid"

// GenerateID returns a random UUID string. Every persisted identity
// (definitions, steps, transitions, instances, history entries,
// delegations) is minted here so identifiers stay uniform across tables.
func GenerateID() string {
	return uuid.NewString()
}
