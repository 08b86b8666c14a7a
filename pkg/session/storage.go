package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Storage persists sessions. Load and Delete return ErrNotFound for unknown ids.
type Storage interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]Summary, error)
	GetChildren(ctx context.Context, parentID string) ([]Summary, error)
	GetSessionTree(ctx context.Context, rootID string) ([]*Tree, error)
	Close() error
}

// ValidateID rejects ids that are empty or unsafe to use as a file name
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func sortSummaries(summaries []Summary) {
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
}

func filterChildren(all []Summary, parentID string) []Summary {
	var out []Summary
	for _, s := range all {
		if s.ParentID == parentID && s.ID != parentID {
			out = append(out, s)
		}
	}
	return out
}
