// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/platefinder/platefinder/services/search/storage/badgerstore"
)

// =============================================================================
// Grid Store Interface
// =============================================================================

// GridStore persists grid cache entries keyed by cell token.
//
// # Description
//
// The store is a dumb document holder: it never inspects ExpiresAt. Readers
// enforce expiry and call Delete; the warmer uses Scan to find entries worth
// refreshing.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type GridStore interface {
	// Get returns the entry for the token, or (nil, nil) when absent.
	Get(ctx context.Context, token string) (*GridEntry, error)

	// Put stores or replaces the entry for the token.
	Put(ctx context.Context, token string, entry *GridEntry) error

	// Delete removes the entry for the token. Deleting an absent token is
	// not an error.
	Delete(ctx context.Context, token string) error

	// Scan visits every entry until fn returns false.
	Scan(ctx context.Context, fn func(token string, entry *GridEntry) bool) error
}

// =============================================================================
// Badger-backed Store
// =============================================================================

// gridKeyPrefix namespaces grid documents in the shared store.
const gridKeyPrefix = "grid/"

// BadgerGridStore persists grid entries in the embedded document store so
// warm cells survive restarts.
type BadgerGridStore struct {
	db *badgerstore.DB
}

// NewBadgerGridStore creates a grid store on the given document store.
func NewBadgerGridStore(db *badgerstore.DB) *BadgerGridStore {
	return &BadgerGridStore{db: db}
}

func gridKey(token string) []byte {
	return []byte(gridKeyPrefix + token)
}

// Get implements GridStore.
func (s *BadgerGridStore) Get(ctx context.Context, token string) (*GridEntry, error) {
	var entry *GridEntry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(gridKey(token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get grid entry %s: %w", token, err)
		}
		return item.Value(func(val []byte) error {
			var decoded GridEntry
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode grid entry %s: %w", token, err)
			}
			entry = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Put implements GridStore.
func (s *BadgerGridStore) Put(ctx context.Context, token string, entry *GridEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal grid entry %s: %w", token, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(gridKey(token), raw)
	})
}

// Delete implements GridStore.
func (s *BadgerGridStore) Delete(ctx context.Context, token string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(gridKey(token))
	})
}

// Scan implements GridStore.
func (s *BadgerGridStore) Scan(ctx context.Context, fn func(token string, entry *GridEntry) bool) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(gridKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			token := string(item.Key()[len(gridKeyPrefix):])
			var entry GridEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				// A corrupt document must not abort the scan.
				continue
			}
			if !fn(token, &entry) {
				return nil
			}
		}
		return nil
	})
}

// =============================================================================
// In-memory Store
// =============================================================================

// MemoryGridStore is a map-backed GridStore for tests.
type MemoryGridStore struct {
	mu      sync.RWMutex
	entries map[string]*GridEntry
}

// NewMemoryGridStore creates an empty in-memory grid store.
func NewMemoryGridStore() *MemoryGridStore {
	return &MemoryGridStore{entries: make(map[string]*GridEntry)}
}

// Get implements GridStore.
func (s *MemoryGridStore) Get(_ context.Context, token string) (*GridEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[token]
	if !ok {
		return nil, nil
	}
	clone := *entry
	return &clone, nil
}

// Put implements GridStore.
func (s *MemoryGridStore) Put(_ context.Context, token string, entry *GridEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.entries[token] = &clone
	return nil
}

// Delete implements GridStore.
func (s *MemoryGridStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

// Scan implements GridStore.
func (s *MemoryGridStore) Scan(_ context.Context, fn func(token string, entry *GridEntry) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for token, entry := range s.entries {
		clone := *entry
		if !fn(token, &clone) {
			return nil
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryGridStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Compile-time interface compliance.
var (
	_ GridStore = (*BadgerGridStore)(nil)
	_ GridStore = (*MemoryGridStore)(nil)
)
