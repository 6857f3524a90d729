package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/raphaelgruber/annotator/internal/models"
)

// Router dispatches "<provider>/<model>" names to registered providers.
// Names without a registered prefix go to the default provider unchanged.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

var _ Provider = (*Router)(nil)

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{providers: make(map[string]Provider)}
}

// Register adds p under its name. The first registered provider becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// SetDefault selects the provider for unprefixed model names.
func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	r.fallback = name
	return nil
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Name() string { return "router" }

// Resolve returns the provider and backend model name for model.
func (r *Router) Resolve(model string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		if p, ok := r.providers[prefix]; ok {
			return p, rest, nil
		}
	}
	p, ok := r.providers[r.fallback]
	if !ok {
		return nil, "", fmt.Errorf("no provider for model %q", model)
	}
	return p, model, nil
}

// Invoke resolves model and delegates to its provider.
func (r *Router) Invoke(ctx context.Context, model, input string, opts Options) (Result, error) {
	p, name, err := r.Resolve(model)
	if err != nil {
		return Result{}, &Error{Kind: models.FailureInvalid, Message: err.Error(), Err: err}
	}
	res, err := p.Invoke(ctx, name, input, opts)
	if err != nil {
		pe := Classify(err)
		if pe.Provider == "" {
			pe.Provider = p.Name()
		}
		return res, pe
	}
	return res, nil
}
