// Package idgen generates the short identifiers attached to client
// connections in logs and metrics.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ConnectionPrefix marks identifiers of tracked client connections.
const ConnectionPrefix = "conn-"

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	length   = 8
)

// ConnectionID returns a fresh connection identifier such as "conn-4k2x9a0p".
func ConnectionID() (string, error) {
	return withPrefix(ConnectionPrefix)
}

// MustConnectionID is ConnectionID for callers that cannot handle an error.
// nanoid only fails when the system random source does, so a fallback
// derived from seq keeps identifiers distinct within the process.
func MustConnectionID(seq uint64) string {
	id, err := ConnectionID()
	if err != nil {
		return fmt.Sprintf("%s%d", ConnectionPrefix, seq)
	}
	return id
}

func withPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
