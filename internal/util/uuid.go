package util

import "github.com/google/uuid"

// GenerateUUID returns a random v4 identifier for orders, integration events
// and outbox records. It panics only if the system entropy source fails.
func GenerateUUID() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// IDGenerator lets tests substitute deterministic identifiers.
type IDGenerator func() string
