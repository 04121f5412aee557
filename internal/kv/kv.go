package kv

import (
	"context"
	"errors"
)

// Store is the keyed storage the session layer runs on. Keys expire after the
// store's configured TTL; every Put refreshes the key's lifetime (sliding
// expiry). Create is conditional set-if-absent, which is what the lease lock
// is built from.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound if the key is absent
	// or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the value and refreshes the key's TTL.
	Put(ctx context.Context, key string, value []byte) error

	// Create writes the value only if the key is currently absent. Returns
	// ErrKeyExists otherwise.
	Create(ctx context.Context, key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

var (
	ErrKeyNotFound = errors.New("kv: key not found")
	ErrKeyExists   = errors.New("kv: key already exists")
)
