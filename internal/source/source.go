// Package source enumerates the candidate items a batch annotates.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnavailable means the item source could not be enumerated.
var ErrUnavailable = errors.New("item source unavailable")

// Filter keys understood by the sources in this package.
const (
	FilterSource = "source"
	FilterPath   = "path"
	FilterIDs    = "ids"
	FilterLabels = "labels"
	FilterLimit  = "limit"
)

// Item is one candidate node and its annotation input.
type Item struct {
	NodeID string `json:"id" yaml:"id"`
	Input  any    `json:"input" yaml:"input"`
}

// Source returns the ordered, finite item list selected by a filter.
type Source interface {
	Items(ctx context.Context, filter map[string]any) ([]Item, error)
}

// Static serves a fixed item list.
type Static []Item

func (s Static) Items(_ context.Context, filter map[string]any) ([]Item, error) {
	return applyFilter(s, filter)
}

// Mux picks a source by the filter's "source" key.
type Mux struct {
	sources  map[string]Source
	fallback string
}

// NewMux creates a mux whose default is the first source registered.
func NewMux() *Mux {
	return &Mux{sources: make(map[string]Source)}
}

// Register adds a named source.
func (m *Mux) Register(name string, s Source) {
	m.sources[name] = s
	if m.fallback == "" {
		m.fallback = name
	}
}

// Names returns the registered source names, sorted.
func (m *Mux) Names() []string {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) Items(ctx context.Context, filter map[string]any) ([]Item, error) {
	name := m.fallback
	if v, ok := filter[FilterSource].(string); ok && v != "" {
		name = v
	}
	s, ok := m.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", ErrUnavailable, name)
	}
	return s.Items(ctx, filter)
}

// applyFilter narrows items by ids and limit, keeping order.
func applyFilter(items []Item, filter map[string]any) ([]Item, error) {
	ids := StringList(filter[FilterIDs])
	limit, err := Limit(filter)
	if err != nil {
		return nil, err
	}

	out := make([]Item, 0, len(items))
	if len(ids) > 0 {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		for _, it := range items {
			if want[it.NodeID] {
				out = append(out, it)
			}
		}
	} else {
		out = append(out, items...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StringList reads a filter value given as a list or a comma-separated string.
func StringList(v any) []string {
	var out []string
	switch vv := v.(type) {
	case []string:
		for _, s := range vv {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range vv {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" && item != nil {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(vv, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Limit reads the optional "limit" filter key.
func Limit(filter map[string]any) (int, error) {
	switch v := filter[FilterLimit].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid limit %q: %w", v, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid limit type %T", v)
	}
}
