package provider

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Price is the USD cost per 1000 tokens.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// pricingFile is the YAML layout of a price table.
//
//	default: {input: 0.001, output: 0.002}
//	models:
//	  gpt-4o: {input: 0.0025, output: 0.01}
type pricingFile struct {
	Default *Price           `yaml:"default"`
	Models  map[string]Price `yaml:"models"`
}

// Pricing maps model names to token prices.
// Lookups match the exact name first, then the longest configured prefix.
type Pricing struct {
	mu       sync.RWMutex
	fallback Price
	models   map[string]Price
}

// DefaultPricing returns the built-in price table.
func DefaultPricing() *Pricing {
	return &Pricing{
		models: map[string]Price{
			"gpt-4o":                    {Input: 0.0025, Output: 0.01},
			"gpt-4o-mini":               {Input: 0.00015, Output: 0.0006},
			"gpt-4.1":                   {Input: 0.002, Output: 0.008},
			"gpt-4.1-mini":              {Input: 0.0004, Output: 0.0016},
			"claude-3-5-haiku":          {Input: 0.0008, Output: 0.004},
			"claude-sonnet-4":           {Input: 0.003, Output: 0.015},
			"claude-opus-4":             {Input: 0.015, Output: 0.075},
			"anthropic.claude-3-haiku":  {Input: 0.00025, Output: 0.00125},
			"anthropic.claude-3-sonnet": {Input: 0.003, Output: 0.015},
			"amazon.nova-lite":          {Input: 0.00006, Output: 0.00024},
			"amazon.nova-pro":           {Input: 0.0008, Output: 0.0032},
		},
	}
}

// LoadPricing reads a YAML price table and merges it over the defaults.
func LoadPricing(path string) (*Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	p := DefaultPricing()
	if f.Default != nil {
		p.fallback = *f.Default
	}
	for name, price := range f.Models {
		if price.Input < 0 || price.Output < 0 {
			return nil, fmt.Errorf("pricing for %s: negative price", name)
		}
		p.models[name] = price
	}
	return p, nil
}

// Set overrides the price of one model.
func (p *Pricing) Set(model string, price Price) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models[model] = price
}

// Lookup returns the price for model.
func (p *Pricing) Lookup(model string) Price {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if price, ok := p.models[model]; ok {
		return price
	}
	best, bestLen := p.fallback, 0
	for name, price := range p.models {
		if len(name) > bestLen && strings.HasPrefix(model, name) {
			best, bestLen = price, len(name)
		}
	}
	return best
}

// Cost returns the USD cost of a call.
func (p *Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	if p == nil {
		return 0
	}
	price := p.Lookup(model)
	return (float64(inputTokens)*price.Input + float64(outputTokens)*price.Output) / 1000
}
