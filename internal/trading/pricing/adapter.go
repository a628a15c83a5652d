package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
	"github.com/Aidin1998/fxarena/pkg/metrics"
)

// DefaultFetchTimeout bounds a single batch fetch.
const DefaultFetchTimeout = 5 * time.Second

// AdapterConfig configures the pricing adapter
type AdapterConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	Breaker      BreakerConfig `mapstructure:"breaker" json:"breaker"`
}

func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		CacheTTL:     time.Second,
		FetchTimeout: DefaultFetchTimeout,
		Breaker:      DefaultBreakerConfig(),
	}
}

// Adapter is the only path from the engine to the price feed. It owns the
// quote cache and the breaker.
type Adapter struct {
	feed    Feed
	cache   *Cache
	breaker *Breaker
	timeout time.Duration
	logger  *zap.Logger
	group   singleflight.Group
}

func NewAdapter(feed Feed, cfg AdapterConfig, logger *zap.Logger) *Adapter {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Adapter{
		feed:    feed,
		cache:   NewCache(cfg.CacheTTL),
		breaker: NewBreaker(cfg.Breaker, logger),
		timeout: cfg.FetchTimeout,
		logger:  logger,
	}
}

func (a *Adapter) Cache() *Cache     { return a.cache }
func (a *Adapter) Breaker() *Breaker { return a.breaker }

// Invalidate drops cached quotes for symbols.
func (a *Adapter) Invalidate(symbols ...model.Symbol) { a.cache.Invalidate(Distinct(symbols)...) }

func (a *Adapter) InvalidateAll() { a.cache.InvalidateAll() }

// GetQuotes is the best-effort batched lookup used by the trade queue. Fresh
// cache entries are served directly and the rest fetched in one round trip.
// When the fetch fails or the breaker is open, stale entries fill the gap and
// the returned error describes the failure. Symbols with neither are absent.
func (a *Adapter) GetQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error) {
	wanted := Distinct(symbols)
	out := make(map[model.Symbol]model.Quote, len(wanted))
	var misses []model.Symbol
	for _, s := range wanted {
		if q, fresh, ok := a.cache.Get(s); ok && fresh {
			metrics.QuoteCacheHits.WithLabelValues("fresh").Inc()
			out[s] = q
			continue
		}
		misses = append(misses, s)
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := a.fetch(ctx, misses)
	for sym, q := range fetched {
		out[sym] = q
	}
	for _, s := range misses {
		if _, ok := out[s]; ok {
			continue
		}
		if q, _, ok := a.cache.Get(s); ok {
			metrics.QuoteCacheHits.WithLabelValues("stale").Inc()
			out[s] = q
		}
	}
	return out, err
}

// GetFreshQuotes always reads the feed and never falls back to the cache.
// Decisions that must not rely on old prices use it.
func (a *Adapter) GetFreshQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error) {
	wanted := Distinct(symbols)
	if len(wanted) == 0 {
		return map[model.Symbol]model.Quote{}, nil
	}
	return a.fetch(ctx, wanted)
}

func (a *Adapter) fetch(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error) {
	if !a.breaker.Allow() {
		metrics.QuoteFetchFailures.WithLabelValues("breaker_open").Inc()
		return nil, apperrors.ExternalService.WithCode("breaker_open").Explain("price feed suspended after repeated failures")
	}

	key := joinSymbols(symbols)
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		return a.feed.GetQuotes(fctx, symbols)
	})
	if err != nil && errors.Is(err, context.Canceled) {
		a.breaker.Release()
		metrics.QuoteFetchFailures.WithLabelValues("cancelled").Inc()
		return nil, apperrors.ExternalService.WithCode("cancelled").Explain("quote fetch for %s abandoned", key).Wrap(err)
	}
	if err != nil {
		a.breaker.RecordFailure()
		cause := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			cause = "timeout"
		}
		metrics.QuoteFetchFailures.WithLabelValues(cause).Inc()
		a.logger.Warn("Quote fetch failed",
			zap.Strings("symbols", symbolStrings(symbols)), zap.String("cause", cause), zap.Error(err))
		return nil, apperrors.ExternalService.WithCode(cause).Explain("quote fetch for %s failed", key).Wrap(err)
	}
	a.breaker.RecordSuccess()

	raw, _ := v.(map[model.Symbol]model.Quote)
	good := make(map[model.Symbol]model.Quote, len(raw))
	for sym, q := range raw {
		n := model.NormalizeSymbol(string(sym))
		q.Symbol = n
		if !q.Valid() {
			a.logger.Warn("Discarding invalid quote",
				zap.String("symbol", n.String()), zap.String("bid", q.Bid.String()), zap.String("ask", q.Ask.String()))
			continue
		}
		good[n] = q
	}
	a.cache.Put(good)
	return good, nil
}

func joinSymbols(symbols []model.Symbol) string {
	return strings.Join(symbolStrings(symbols), ",")
}

func symbolStrings(symbols []model.Symbol) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = string(s)
	}
	return out
}
