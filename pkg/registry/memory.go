package registry

import (
	"context"
	"sync"
)

// Memory is an in-process Directory. It backs single-node development runs
// and tests; an administrator (or test) sets assignments directly.
type Memory struct {
	mu          sync.RWMutex
	assignments map[string]Assignment
	members     map[string]bool

	// Counters let tests assert that no duplicate registration was submitted
	registerCalls int
}

// NewMemory creates an empty in-memory directory
func NewMemory() *Memory {
	return &Memory{
		assignments: make(map[string]Assignment),
		members:     make(map[string]bool),
	}
}

// Assign sets the desired workload for host
func (m *Memory) Assign(host string, a Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[host] = a
}

// Unassign clears the desired workload for host
func (m *Memory) Unassign(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, host)
}

// Assignment implements Directory
func (m *Memory) Assignment(ctx context.Context, host string) (Assignment, error) {
	if host == "" {
		return Assignment{}, ErrInvalidHost
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assignments[host], nil
}

// IsActive implements Directory
func (m *Memory) IsActive(ctx context.Context, host string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[host], nil
}

// Register implements Directory
func (m *Memory) Register(ctx context.Context, host string) error {
	if host == "" {
		return ErrInvalidHost
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registerCalls++
	if m.members[host] {
		return ErrAlreadyRegistered
	}
	m.members[host] = true
	return nil
}

// RegisterCalls returns how many registrations were submitted
func (m *Memory) RegisterCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registerCalls
}

// Close implements Directory
func (m *Memory) Close() error { return nil }

var _ Directory = (*Memory)(nil)
