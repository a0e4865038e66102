// Package idgen mints random identifiers for trades, holds, events, and
// API credentials.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns a UUID-shaped identifier (8-4-4-4-12 hex groups).
func New() string {
	b := random(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns the prefix followed by 24 hex characters, e.g.
// WithPrefix("trd_") for trade IDs or WithPrefix("evt_") for events.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex returns 2*numBytes hex characters of randomness; used for API key
// secrets and webhook signing secrets.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return b
}
