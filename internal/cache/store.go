// Package cache holds the content-addressed key/value stores behind the
// LLM client. Entries are written once and never expire.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidKey is returned for keys that cannot name an entry.
var ErrInvalidKey = errors.New("invalid cache key")

// Lookup is the outcome of a read. A miss is Hit == false, never an error.
type Lookup struct {
	Value string
	Hit   bool
}

// Store is a flat key/value store shared across runs and processes.
type Store interface {
	Lookup(ctx context.Context, key string) (Lookup, error)
	Put(ctx context.Context, key, value string) error
}

// Key returns the hex SHA-256 digest of content.
func Key(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func validKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return !strings.ContainsAny(key, `/\`)
}
