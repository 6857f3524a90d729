package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// EchoProvider builds a deterministic annotation from the input text without calling a model.
// It backs local runs that have no provider credentials.
type EchoProvider struct {
	Latency time.Duration
}

var _ Provider = EchoProvider{}

func (EchoProvider) Name() string { return NameEcho }

func (p EchoProvider) Invoke(ctx context.Context, model, input string, _ Options) (Result, error) {
	start := time.Now()
	if p.Latency > 0 {
		select {
		case <-ctx.Done():
			return Result{}, Classify(ctx.Err())
		case <-time.After(p.Latency):
		}
	}

	words := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool)
	var tags []string
	for _, w := range words {
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		tags = append(tags, w)
		if len(tags) == 5 {
			break
		}
	}

	desc := strings.TrimSpace(input)
	if len(desc) > 120 {
		desc = desc[:120]
	}
	out, _ := json.Marshal(map[string]any{
		"description": desc,
		"tags":        tags,
		"model":       model,
	})
	return Result{
		Output:     string(out),
		TokensUsed: len(words),
		Duration:   time.Since(start),
		Provider:   NameEcho,
	}, nil
}
