package commit

import (
	"sync"
	"time"
)

// Memory is the in-process backend. It never touches disk; restarting
// the arbiter forfeits pending commits.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Save(hash string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[hash] = e
	return nil
}

func (m *Memory) Get(hash string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	return e, ok
}

func (m *Memory) Delete(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, hash)
	return nil
}

func (m *Memory) PurgeStale(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var purged int
	for hash, e := range m.entries {
		if e.Created.Before(cutoff) {
			delete(m.entries, hash)
			purged++
		}
	}
	return purged, nil
}
