package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStorage keeps values in process memory. Intended for tests and
// one-shot sessions.
type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryStorage constructs an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (store *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("storage.get.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.values[key]
	if !ok {
		return "", fmt.Errorf("storage.get.memory: %w", ErrNotFound)
	}
	return value, nil
}

// Set overwrites the value stored under key.
func (store *MemoryStorage) Set(ctx context.Context, key string, value string) error {
	return store.SetMany(ctx, map[string]string{key: value})
}

// Remove deletes key. Removing a missing key is not an error.
func (store *MemoryStorage) Remove(ctx context.Context, key string) error {
	return store.RemoveMany(ctx, key)
}

// SetMany writes every entry under a single lock.
func (store *MemoryStorage) SetMany(ctx context.Context, values map[string]string) error {
	for key := range values {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("storage.set.memory: %w", err)
		}
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for key, value := range values {
		store.values[key] = value
	}
	return nil
}

// RemoveMany deletes every key under a single lock.
func (store *MemoryStorage) RemoveMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("storage.remove.memory: %w", err)
		}
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, key := range keys {
		delete(store.values, key)
	}
	return nil
}

// Len returns the number of stored keys.
func (store *MemoryStorage) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.values)
}
