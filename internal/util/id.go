package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-hex-char identifier, optionally prefixed
// ("cl" for clients, "tx" for transactions).
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// ShortID returns a short random identifier used for request correlation.
func ShortID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
