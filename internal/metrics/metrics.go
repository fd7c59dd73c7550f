package metrics

import "sync"

// Metrics is a minimal, concurrency-safe counter registry.
//
// Production deployments are expected to plug into a real metrics backend;
// this type keeps the token service's counters testable and scrapeable
// without pulling in a client library.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
