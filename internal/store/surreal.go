package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/annotator/internal/db"
)

// conflictRetries bounds retries of writes that hit a SurrealDB transaction conflict.
const conflictRetries = 3

// SurrealStore implements Store on the SurrealDB kv table.
type SurrealStore struct {
	client *db.Client
}

// Compile-time check that SurrealStore implements Store.
var _ Store = (*SurrealStore)(nil)

// NewSurrealStore wraps an initialized database client.
func NewSurrealStore(client *db.Client) *SurrealStore {
	return &SurrealStore{client: client}
}

func (s *SurrealStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.KVGet(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// Set upserts the value. Concurrent result writes for one batch can collide,
// so transaction conflicts are retried with a short backoff.
func (s *SurrealStore) Set(ctx context.Context, key string, value []byte) error {
	return retryOnConflict(ctx, func() error {
		return s.client.KVSet(ctx, key, value)
	})
}

func (s *SurrealStore) Delete(ctx context.Context, key string) error {
	return retryOnConflict(ctx, func() error {
		return s.client.KVDelete(ctx, key)
	})
}

func (s *SurrealStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.client.KVList(ctx, prefix)
}

func retryOnConflict(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.RandomizationFactor = 0.5

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, db.ErrTransactionConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, conflictRetries), ctx))
}
