package memory

import (
	"context"

	"github.com/bakerst/bakerst/internal/store"
)

// Memory is one retrieved long-term memory.
type Memory struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Content  string `json:"content"`
}

// Searcher retrieves long-term memories relevant to a query. A vector-store
// collaborator can replace the default keyword implementation.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Memory, error)
}

// KeywordSearcher retrieves memories by keyword match over stored
// observations.
type KeywordSearcher struct {
	store *store.Store
}

// NewKeywordSearcher creates the default searcher.
func NewKeywordSearcher(st *store.Store) *KeywordSearcher {
	return &KeywordSearcher{store: st}
}

// Search returns observations whose text contains the query, newest first.
func (s *KeywordSearcher) Search(ctx context.Context, query string, limit int) ([]Memory, error) {
	if query == "" {
		return nil, nil
	}
	observations, err := s.store.SearchObservations(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	memories := make([]Memory, 0, len(observations))
	for _, obs := range observations {
		category := obs.Tags
		if category == "" {
			category = "observation"
		}
		memories = append(memories, Memory{
			ID:       obs.ID,
			Category: category,
			Content:  obs.Text,
		})
	}
	return memories, nil
}
