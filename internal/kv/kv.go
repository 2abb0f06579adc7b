// Package kv is the device-local durable store the wallet keeps its
// balance and journals in. Values are opaque bytes.
package kv

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed   = errors.New("kv: store is closed")
	ErrNotFound = errors.New("kv: key not found")
)

// Store is a durable key/value store. Set must be durable when it returns.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Scoped prefixes every key with a user namespace so that several users on
// one device never share state.
type Scoped struct {
	inner  Store
	prefix string
}

// Scope returns a view of s whose keys live under userID. The user ID is
// lower-cased so that account names differing only in case share a scope.
func Scope(s Store, userID string) *Scoped {
	return &Scoped{inner: s, prefix: "user:" + strings.ToLower(strings.TrimSpace(userID)) + ":"}
}

func (s *Scoped) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *Scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *Scoped) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.prefix+key)
}

// Close is a no-op; the shared store is owned by whoever opened it.
func (s *Scoped) Close() error {
	return nil
}
