package kv

import (
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is the default on-device store.
type PebbleStore struct {
	db     *pebble.DB
	closed bool
	mu     sync.RWMutex
}

func OpenPebble(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(8 << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: 4 << 20,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	value, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (p *PebbleStore) Set(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *PebbleStore) Remove(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
