package cache

import (
	"context"
	"sync"
	"time"
)

// MockCache is an in-memory Cache implementation for testing.
// It is safe for concurrent use. Optional error injection supports testing error paths.
type MockCache struct {
	mu sync.RWMutex

	entries map[string]mockEntry

	// deletes counts Delete calls per key (for double-delete assertions)
	deletes map[string]int

	// Optional error injection (set before calling cache methods)
	GetErr    error
	SetErr    error
	DeleteErr error
	ExistsErr error
}

type mockEntry struct {
	value  []byte
	expiry time.Time
}

// NewMockCache creates a new MockCache ready for testing.
func NewMockCache() *MockCache {
	return &MockCache{
		entries: make(map[string]mockEntry),
		deletes: make(map[string]int),
	}
}

// SetDeleteErr sets the error to return from Delete.
func (m *MockCache) SetDeleteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteErr = err
}

// DeleteCount returns how many times key was passed to Delete.
func (m *MockCache) DeleteCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deletes[key]
}

// EntryCount returns the number of live entries (for assertions).
func (m *MockCache) EntryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range m.entries {
		if e.expiry.IsZero() || now.Before(e.expiry) {
			n++
		}
	}
	return n
}

func (m *MockCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetErr != nil {
		return nil, false, m.GetErr
	}
	e, ok := m.entries[key]
	if !ok || (!e.expiry.IsZero() && !time.Now().Before(e.expiry)) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *MockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	e := mockEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MockCache) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.deletes[key]++
	}
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *MockCache) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	err := m.ExistsErr
	m.mu.RUnlock()
	if err != nil {
		return false, err
	}
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

var _ Cache = (*MockCache)(nil)
