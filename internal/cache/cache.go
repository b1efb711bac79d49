// Package cache provides a small cache-with-expiry abstraction used to
// snapshot session state between reconnects. Injected rather than ambient so
// tests can substitute their own instance.
package cache

import (
	"sync"
	"time"
)

// Cache stores opaque values under string keys with optional expiry.
type Cache interface {
	// Get returns the value for key, or ok=false when absent or expired.
	Get(key string) ([]byte, bool)

	// Set stores value under key. A ttl of 0 means no expiry.
	Set(key string, value []byte, ttl time.Duration)

	// Delete removes key.
	Delete(key string)
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Cache implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an in-memory cache and starts a background sweeper that
// evicts expired entries, preventing unbounded growth.
func NewMemory() *Memory {
	m := &Memory{entries: make(map[string]entry)}
	go m.sweep()
	return m
}

// Get returns the value for key, treating expired entries as absent.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the given ttl.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

const sweepInterval = time.Minute

func (m *Memory) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		m.mu.Lock()
		for key, e := range m.entries {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				delete(m.entries, key)
			}
		}
		m.mu.Unlock()
	}
}
