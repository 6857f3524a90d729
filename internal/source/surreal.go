package source

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/annotator/internal/db"
)

// candidateQuerier is the db.Client subset Surreal needs.
type candidateQuerier interface {
	QueryCandidates(ctx context.Context, q db.CandidateQuery) ([]db.Candidate, error)
}

// Surreal reads items from the SurrealDB candidate table.
type Surreal struct {
	client candidateQuerier
}

// NewSurreal wraps a database client.
func NewSurreal(client *db.Client) *Surreal {
	return &Surreal{client: client}
}

func (s *Surreal) Items(ctx context.Context, filter map[string]any) ([]Item, error) {
	limit, err := Limit(filter)
	if err != nil {
		return nil, err
	}
	candidates, err := s.client.QueryCandidates(ctx, db.CandidateQuery{
		IDs:    StringList(filter[FilterIDs]),
		Labels: StringList(filter[FilterLabels]),
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	items := make([]Item, 0, len(candidates))
	for _, c := range candidates {
		id, err := c.NodeID()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		items = append(items, Item{NodeID: id, Input: c.Input})
	}
	return items, nil
}
