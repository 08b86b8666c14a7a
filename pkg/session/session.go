package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by storage adapters for unknown session ids
	ErrNotFound = errors.New("session not found")
	// ErrInvalidForkIndex is returned when a fork point lies outside the item log
	ErrInvalidForkIndex = errors.New("invalid fork index")
)

// Metadata keys with meaning to the runtime
const (
	MetadataTags    = "tags"
	MetadataSummary = "summary"
	MetadataTitle   = "title"
)

// Stats holds lifecycle counters
type Stats struct {
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	TotalTurns   int       `json:"totalTurns"`
}

// Session is a conversation. Safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	id        string
	parentID  string
	forkIndex int
	items     []Item
	metadata  map[string]interface{}
	stats     Stats
}

// New creates an empty session
func New(id string) *Session {
	t := now()
	return &Session{
		id:       id,
		metadata: make(map[string]interface{}),
		stats:    Stats{CreatedAt: t, LastActiveAt: t},
	}
}

func (s *Session) ID() string { return s.id }

// ParentID returns the origin session id, empty for root sessions
func (s *Session) ParentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parentID
}

// ForkIndex returns the item count copied from the parent at fork time
func (s *Session) ForkIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forkIndex
}

// Items returns a copy of the item log
func (s *Session) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyItems(s.items, len(s.items))
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// AddItems appends items and marks the session active
func (s *Session) AddItems(items ...Item) {
	normalized := make([]Item, 0, len(items))
	for _, item := range items {
		if item != nil {
			normalized = append(normalized, normalizeItem(item))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, normalized...)
	s.stats.LastActiveAt = now()
}

// Pop removes and returns the last item
func (s *Session) Pop() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, false
	}
	last := s.items[len(s.items)-1]
	s.items[len(s.items)-1] = nil
	s.items = s.items[:len(s.items)-1]
	return last, true
}

// Clear drops every item. Metadata, stats and lineage are kept.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.stats.LastActiveAt = now()
}

// ReplaceItems swaps the item log for items, used by compression
func (s *Session) ReplaceItems(items []Item) {
	normalized := make([]Item, 0, len(items))
	for _, item := range items {
		if item != nil {
			normalized = append(normalized, normalizeItem(item))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = normalized
}

// Metadata returns the value stored under key
func (s *Session) Metadata(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}

// SetMetadata stores value in its JSON form, so []string reads back as
// []interface{} and integers as float64
func (s *Session) SetMetadata(key string, value interface{}) {
	value = jsonValue(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *Session) DeleteMetadata(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, key)
}

// MetadataSnapshot returns a shallow copy of the metadata bag
func (s *Session) MetadataSnapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.metadata)
}

// Tags returns the string tags stored in metadata
func (s *Session) Tags() []string {
	v, ok := s.Metadata(MetadataTags)
	if !ok {
		return nil
	}
	switch tags := v.(type) {
	case []string:
		return append([]string(nil), tags...)
	case []interface{}:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			if str, ok := t.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// RecordTurn counts one completed turn
func (s *Session) RecordTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalTurns++
	s.stats.LastActiveAt = now()
}

// Touch marks the session active without changing its content
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastActiveAt = now()
}

// Fork creates a new session holding a copy of items[0:atIndex].
// The fork starts with fresh stats and a copy of the metadata bag.
func (s *Session) Fork(newID string, atIndex int) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if atIndex < 0 || atIndex > len(s.items) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidForkIndex, atIndex, len(s.items))
	}

	fork := New(newID)
	fork.parentID = s.id
	fork.forkIndex = atIndex
	fork.items = copyItems(s.items, atIndex)
	for k, v := range s.metadata {
		fork.metadata[k] = v
	}
	delete(fork.metadata, MetadataSummary)
	return fork, nil
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Session{
		id:        s.id,
		parentID:  s.parentID,
		forkIndex: s.forkIndex,
		items:     copyItems(s.items, len(s.items)),
		metadata:  maps.Clone(s.metadata),
		stats:     s.stats,
	}
}

func copyItems(items []Item, n int) []Item {
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		out[i] = cloneItem(items[i])
	}
	return out
}

type sessionJSON struct {
	ID        string                 `json:"id"`
	ParentID  string                 `json:"parentId,omitempty"`
	ForkIndex int                    `json:"forkIndex,omitempty"`
	Items     Items                  `json:"items"`
	Metadata  map[string]interface{} `json:"metadata"`
	Stats     Stats                  `json:"stats"`
}

func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metadata := s.metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return json.Marshal(sessionJSON{
		ID:        s.id,
		ParentID:  s.parentID,
		ForkIndex: s.forkIndex,
		Items:     Items(s.items),
		Metadata:  metadata,
		Stats:     s.stats,
	})
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("session document has no id")
	}
	if raw.Metadata == nil {
		raw.Metadata = make(map[string]interface{})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = raw.ID
	s.parentID = raw.ParentID
	s.forkIndex = raw.ForkIndex
	s.items = []Item(raw.Items)
	s.metadata = raw.Metadata
	s.stats = raw.Stats
	return nil
}

// Encode serializes a session
func Encode(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

// Decode deserializes a session produced by Encode
func Decode(data []byte) (*Session, error) {
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return s, nil
}
