package snap

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/flemzord/snaphost/internal/snapperm"
)

// MemoryState is an in-memory snapperm.StateStore. State is lost when the
// host stops.
type MemoryState struct {
	mu     sync.RWMutex
	states map[string]json.RawMessage
}

var _ snapperm.StateStore = (*MemoryState)(nil)

// NewMemoryState returns an empty MemoryState.
func NewMemoryState() *MemoryState {
	return &MemoryState{states: make(map[string]json.RawMessage)}
}

// GetSnapState returns the snap's state, or nil when none is stored.
func (m *MemoryState) GetSnapState(_ context.Context, snapID string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.states[snapID]), nil
}

// UpdateSnapState replaces the snap's state.
func (m *MemoryState) UpdateSnapState(_ context.Context, snapID string, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[snapID] = slices.Clone(state)
	return nil
}

// ClearSnapState deletes the snap's state.
func (m *MemoryState) ClearSnapState(_ context.Context, snapID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, snapID)
	return nil
}
