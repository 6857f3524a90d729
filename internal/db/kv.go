package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
)

type kvRow struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// KVGet returns the value stored under key, or ErrNotFound.
func (c *Client) KVGet(ctx context.Context, key string) ([]byte, error) {
	results, err := surrealdb.Query[[]kvRow](ctx, c.db, `
		SELECT key, value FROM type::record("kv", $key)
	`, map[string]any{"key": key})
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, ErrNotFound
	}
	return (*results)[0].Result[0].Value, nil
}

// KVSet upserts value under key.
func (c *Client) KVSet(ctx context.Context, key string, value []byte) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("kv", $key) SET
			key = $key,
			value = $value,
			updated = time::now()
	`, map[string]any{"key": key, "value": value})
	if err != nil {
		return fmt.Errorf("kv set: %w", wrapQueryError(err))
	}
	return nil
}

// KVDelete removes key; a missing key is not an error.
func (c *Client) KVDelete(ctx context.Context, key string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE type::record("kv", $key)
	`, map[string]any{"key": key})
	if err != nil {
		return fmt.Errorf("kv delete: %w", wrapQueryError(err))
	}
	return nil
}

// KVList returns every key starting with prefix, ordered.
func (c *Client) KVList(ctx context.Context, prefix string) ([]string, error) {
	results, err := surrealdb.Query[[]kvRow](ctx, c.db, `
		SELECT key FROM kv WHERE string::starts_with(key, $prefix) ORDER BY key
	`, map[string]any{"prefix": prefix})
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", wrapQueryError(err))
	}
	keys := make([]string, 0)
	if results == nil || len(*results) == 0 {
		return keys, nil
	}
	for _, row := range (*results)[0].Result {
		keys = append(keys, row.Key)
	}
	return keys, nil
}
