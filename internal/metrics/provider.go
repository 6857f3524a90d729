package metrics

import (
	"context"
	"time"

	"github.com/raphaelgruber/annotator/internal/provider"
)

// instrumentedProvider records every invocation of the wrapped provider.
type instrumentedProvider struct {
	provider.Provider
	c *Collector
}

// InstrumentProvider wraps p so successful calls are recorded under OpProviderInvoke
// (with tokens) and failures under OpProviderError.
func InstrumentProvider(p provider.Provider, c *Collector) provider.Provider {
	return &instrumentedProvider{Provider: p, c: c}
}

func (p *instrumentedProvider) Invoke(ctx context.Context, model, input string, opts provider.Options) (provider.Result, error) {
	start := time.Now()
	res, err := p.Provider.Invoke(ctx, model, input, opts)
	if err != nil {
		p.c.RecordTiming(OpProviderError, time.Since(start))
		return res, err
	}
	d := res.Duration
	if d <= 0 {
		d = time.Since(start)
	}
	p.c.RecordUsage(OpProviderInvoke, d, int64(res.TokensUsed))
	return res, nil
}
