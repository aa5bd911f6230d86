package session

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the session manager of every configured account
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers a manager under its account id
func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[m.AccountID()]; exists {
		return fmt.Errorf("session for account %s already registered", m.AccountID())
	}
	r.managers[m.AccountID()] = m
	return nil
}

// Get returns the manager of an account
func (r *Registry) Get(accountID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[accountID]
	return m, ok
}

// States returns a snapshot of every session, sorted by account
func (r *Registry) States() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]State, 0, len(r.managers))
	for _, m := range r.managers {
		states = append(states, m.Status())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].AccountID < states[j].AccountID })
	return states
}
