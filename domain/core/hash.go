package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Equals checks if two hashes are equal
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// Hasher accumulates fields into a running SHA-256 fingerprint.
type Hasher struct {
	buf []byte
}

// Add appends a length-prefixed field so adjacent fields cannot collide.
func (h *Hasher) Add(field string) *Hasher {
	n := len(field)
	h.buf = append(h.buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	h.buf = append(h.buf, field...)
	return h
}

// Sum returns the fingerprint of everything added so far.
func (h *Hasher) Sum() Hash {
	return NewHash(h.buf)
}
