// Package pricing normalises bid/ask quotes from the external feed and serves
// batched lookups through a TTL cache guarded by a circuit breaker.
package pricing

import (
	"context"
	"sort"

	"github.com/Aidin1998/fxarena/internal/trading/model"
)

// Feed is the external quote supplier. It is best effort and may return a
// subset of the requested symbols.
type Feed interface {
	GetQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error)

func (f FeedFunc) GetQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error) {
	return f(ctx, symbols)
}

// Distinct normalises and de-duplicates symbols, returning them sorted.
func Distinct(symbols []model.Symbol) []model.Symbol {
	set := make(map[model.Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		n := model.NormalizeSymbol(string(s))
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	out := make([]model.Symbol, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
