package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps objects in memory. Useful for tests and local runs
// where no signer service is available.
type MemoryStore struct {
	// TTL stamped onto returned URLs. Defaults to one hour.
	TTL time.Duration

	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{TTL: time.Hour, objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte, key string) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return "", time.Time{}, m.failErr
	}
	m.puts++
	m.objects[key] = append([]byte(nil), data...)
	ttl := m.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return fmt.Sprintf("memory://%s", key), time.Now().Add(ttl), nil
}

// Get returns a stored object, for test assertions.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Puts reports how many uploads have happened.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Fail makes every subsequent Put return err. Pass nil to heal.
func (m *MemoryStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

var _ Store = (*MemoryStore)(nil)
