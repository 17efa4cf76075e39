// Package random provides cryptographically random byte and hex-token
// generation, adapted from the teacher's pkg/random.
package random

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns a byte slice of the specified length with cryptographically
// random contents.
func New(length int) ([]byte, error) {
	result := make([]byte, length)
	if _, err := rand.Read(result); err != nil {
		return nil, fmt.Errorf("unable to read random data: %w", err)
	}
	return result, nil
}

// HexToken returns a random lowercase hex token of the specified byte
// length (i.e. the returned string has 2*length characters). It's used for
// node identifiers.
func HexToken(length int) (string, error) {
	raw, err := New(length)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
