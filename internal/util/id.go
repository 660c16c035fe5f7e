// Package util holds the small shared helpers that have no better home.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random hex identifier, optionally namespaced with a
// type prefix ("tm_..."). Unprefixed IDs double as opaque tokens.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
