package session

import (
	"fmt"
	"sort"
	"time"
)

// CompletedTurn is a denormalized view of one finished exchange
type CompletedTurn struct {
	ID               string       `json:"id" yaml:"id"`
	UserMessage      Message      `json:"userMessage" yaml:"userMessage"`
	AssistantMessage Message      `json:"assistantMessage" yaml:"assistantMessage"`
	FunctionCalls    []ToolCall   `json:"functionCalls,omitempty" yaml:"functionCalls,omitempty"`
	FunctionResults  []ToolResult `json:"functionResults,omitempty" yaml:"functionResults,omitempty"`
	Timestamp        time.Time    `json:"timestamp" yaml:"timestamp"`
}

// Turns derives completed turns from the item log. A turn starts at a user
// message and ends at the last assistant message before the next user message.
// An exchange without any assistant message is not complete and is skipped.
func (s *Session) Turns() []CompletedTurn {
	items := s.Items()

	var (
		turns   []CompletedTurn
		current *CompletedTurn
		done    bool
	)
	finish := func() {
		if current != nil && done {
			current.ID = fmt.Sprintf("%s-turn-%d", s.id, len(turns)+1)
			turns = append(turns, *current)
		}
		current, done = nil, false
	}

	for _, item := range items {
		switch v := item.(type) {
		case Message:
			switch v.Role {
			case RoleUser:
				finish()
				current = &CompletedTurn{UserMessage: v}
			case RoleAssistant:
				if current != nil {
					current.AssistantMessage = v
					current.Timestamp = v.Timestamp
					done = true
				}
			}
		case ToolCall:
			if current != nil {
				current.FunctionCalls = append(current.FunctionCalls, v)
			}
		case ToolResult:
			if current != nil {
				current.FunctionResults = append(current.FunctionResults, v)
			}
		}
	}
	finish()

	return turns
}

// Summary is the listing view of a session
type Summary struct {
	ID           string    `json:"id" yaml:"id"`
	ParentID     string    `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	ForkIndex    int       `json:"forkIndex,omitempty" yaml:"forkIndex,omitempty"`
	TurnCount    int       `json:"turnCount" yaml:"turnCount"`
	ItemCount    int       `json:"itemCount" yaml:"itemCount"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt" yaml:"lastActiveAt"`
	Tags         []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Summary derives the listing view of the session
func (s *Session) Summary() Summary {
	tags := s.Tags()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		ID:           s.id,
		ParentID:     s.parentID,
		ForkIndex:    s.forkIndex,
		TurnCount:    s.stats.TotalTurns,
		ItemCount:    len(s.items),
		CreatedAt:    s.stats.CreatedAt,
		LastActiveAt: s.stats.LastActiveAt,
		Tags:         tags,
	}
}

// Tree is a session and the sessions forked from it
type Tree struct {
	Summary  Summary `json:"summary" yaml:"summary"`
	Children []*Tree `json:"children,omitempty" yaml:"children,omitempty"`
}

// Size counts the sessions in the tree
func (t *Tree) Size() int {
	n := 1
	for _, c := range t.Children {
		n += c.Size()
	}
	return n
}

// BuildTrees groups summaries by parent id. With an empty rootID it returns one
// tree per root; a session whose parent no longer exists counts as a root.
// With a rootID it returns the single tree below that session.
func BuildTrees(summaries []Summary, rootID string) ([]*Tree, error) {
	byID := make(map[string]*Tree, len(summaries))
	for _, s := range summaries {
		byID[s.ID] = &Tree{Summary: s}
	}

	var roots []*Tree
	for _, s := range summaries {
		node := byID[s.ID]
		parent, ok := byID[s.ParentID]
		if s.ParentID == "" || !ok || s.ParentID == s.ID {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	for _, node := range byID {
		sortTrees(node.Children)
	}
	sortTrees(roots)

	if rootID == "" {
		return roots, nil
	}
	node, ok := byID[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rootID)
	}
	return []*Tree{node}, nil
}

func sortTrees(trees []*Tree) {
	sort.Slice(trees, func(i, j int) bool {
		a, b := trees[i].Summary, trees[j].Summary
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
