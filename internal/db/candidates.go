package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Candidate is a node awaiting annotation.
type Candidate struct {
	ID     surrealmodels.RecordID `json:"id"`
	Input  map[string]any         `json:"input"`
	Labels []string               `json:"labels,omitempty"`
}

// CandidateQuery narrows the candidate scan.
type CandidateQuery struct {
	IDs    []string
	Labels []string
	Limit  int
}

// QueryCandidates lists candidate nodes ordered by creation time.
func (c *Client) QueryCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	var where []string
	vars := map[string]any{}
	if len(q.IDs) > 0 {
		ids := make([]surrealmodels.RecordID, 0, len(q.IDs))
		for _, id := range q.IDs {
			ids = append(ids, surrealmodels.NewRecordID(candidateTable, id))
		}
		where = append(where, "id IN $ids")
		vars["ids"] = ids
	}
	if len(q.Labels) > 0 {
		where = append(where, "labels CONTAINSANY $labels")
		vars["labels"] = q.Labels
	}

	sql := "SELECT id, input, labels, created FROM candidate"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created ASC"
	if q.Limit > 0 {
		sql += " LIMIT $limit"
		vars["limit"] = q.Limit
	}

	results, err := surrealdb.Query[[]Candidate](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []Candidate{}, nil
	}
	return (*results)[0].Result, nil
}

// CreateCandidate inserts a candidate node with a caller-chosen id.
func (c *Client) CreateCandidate(ctx context.Context, id string, input map[string]any, labels []string) error {
	if labels == nil {
		labels = []string{}
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE type::record("candidate", $id) SET input = $input, labels = $labels
	`, map[string]any{"id": id, "input": input, "labels": labels})
	if err != nil {
		return fmt.Errorf("create candidate: %w", wrapQueryError(err))
	}
	return nil
}

// NodeID returns the candidate's record key as a plain string.
func (c Candidate) NodeID() (string, error) {
	s, ok := c.ID.ID.(string)
	if !ok {
		return "", fmt.Errorf("candidate id has type %T, want string", c.ID.ID)
	}
	return s, nil
}
