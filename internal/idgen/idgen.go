// Package idgen generates random identifiers for actions, prompts and
// simulated transaction hashes.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// prefixedBytes is the random part of a prefixed ID (24 hex chars).
const prefixedBytes = 12

// WithPrefix returns prefix followed by 24 random hex chars, e.g. "act_9f1c...".
func WithPrefix(prefix string) string {
	return prefix + Hex(prefixedBytes)
}

// Hex returns numBytes random bytes, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
