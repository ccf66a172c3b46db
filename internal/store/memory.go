package store

import (
	"context"
	"sync"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// Memory is an in-process store. Contents are lost on restart.
type Memory struct {
	mu     sync.Mutex
	params *probe.Params
	log    []Record
	head   int
	count  int
}

// NewMemory creates a memory store keeping up to capacity records.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{log: make([]Record, capacity)}
}

func (m *Memory) LoadParams(ctx context.Context) (probe.Params, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.params == nil {
		return probe.Params{}, ErrNotFound
	}
	return *m.params, nil
}

func (m *Memory) SaveParams(ctx context.Context, p probe.Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = &p
	return nil
}

func (m *Memory) Append(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log[m.head] = r
	m.head = (m.head + 1) % len(m.log)
	if m.count < len(m.log) {
		m.count++
	}
	return nil
}

func (m *Memory) Recent(ctx context.Context, n int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.count {
		n = m.count
	}
	if n < 0 {
		n = 0
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, m.log[(m.head-i+len(m.log))%len(m.log)])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
