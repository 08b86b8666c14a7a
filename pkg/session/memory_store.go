package session

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps encoded sessions in a map. Loads return independent copies.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	if err := ValidateID(s.ID()); err != nil {
		return err
	}
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = data
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Decode(data)
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListAll(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]Summary, 0, len(m.sessions))
	for id, data := range m.sessions {
		s, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		summaries = append(summaries, s.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (m *MemoryStore) GetChildren(ctx context.Context, parentID string) ([]Summary, error) {
	all, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterChildren(all, parentID), nil
}

func (m *MemoryStore) GetSessionTree(ctx context.Context, rootID string) ([]*Tree, error) {
	all, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTrees(all, rootID)
}

func (m *MemoryStore) Close() error { return nil }
