package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File reads items from YAML or JSON files under Dir.
//
// A file holds either a list of items or {items: [...]}:
//
//   - id: orders
//     input: {table: orders, columns: [id, total]}
type File struct {
	// Dir confines relative paths. Empty allows any path.
	Dir string
	// Default is read when the filter names no path.
	Default string
}

type itemsDoc struct {
	Items []Item `yaml:"items"`
}

func (f File) Items(_ context.Context, filter map[string]any) ([]Item, error) {
	name, _ := filter[FilterPath].(string)
	if name == "" {
		name = f.Default
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no path in filter", ErrUnavailable)
	}
	path, err := f.resolve(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	items, err := decodeItems(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrUnavailable, name, err)
	}
	for i, it := range items {
		if it.NodeID == "" {
			return nil, fmt.Errorf("%w: %s item %d has no id", ErrUnavailable, name, i)
		}
	}
	return applyFilter(items, filter)
}

func (f File) resolve(name string) (string, error) {
	if f.Dir == "" {
		return name, nil
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %q not allowed", ErrUnavailable, name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes source dir", ErrUnavailable, name)
	}
	return filepath.Join(f.Dir, clean), nil
}

// decodeItems accepts a top-level list or an {items: [...]} document. JSON is valid YAML.
func decodeItems(data []byte) ([]Item, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return []Item{}, nil
	}
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var items []Item
		if err := root.Decode(&items); err != nil {
			return nil, err
		}
		return items, nil
	case yaml.MappingNode:
		var doc itemsDoc
		if err := root.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.Items, nil
	default:
		return nil, fmt.Errorf("expected a list or mapping, got %v", root.Tag)
	}
}
