package pricing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// DefaultKeyPrefix is the hash key prefix the market data publisher writes to.
const DefaultKeyPrefix = "fxarena:quote:"

// RedisFeed reads quotes from hashes "<prefix><SYMBOL>" with fields bid, ask
// and ts (unix milliseconds). All symbols are read in one pipeline.
type RedisFeed struct {
	client redis.Cmdable
	prefix string
}

func NewRedisFeed(client redis.Cmdable, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (f *RedisFeed) Key(sym model.Symbol) string { return f.prefix + string(sym) }

func (f *RedisFeed) GetQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error) {
	pipe := f.client.Pipeline()
	cmds := make(map[model.Symbol]*redis.MapStringStringCmd, len(symbols))
	for _, s := range symbols {
		cmds[s] = pipe.HGetAll(ctx, f.Key(s))
	}
	// Exec reports only the first failed command. Server replies such as
	// WRONGTYPE belong to one key, so each command is judged on its own.
	_, _ = pipe.Exec(ctx)

	out := make(map[model.Symbol]model.Quote, len(symbols))
	var transportErr error
	for sym, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			if !isKeyError(err) && transportErr == nil {
				transportErr = err
			}
			continue
		}
		if len(fields) == 0 {
			continue
		}
		q, err := ParseQuote(sym, fields)
		if err != nil {
			continue
		}
		out[sym] = q
	}
	if len(out) == 0 && transportErr != nil {
		return nil, transportErr
	}
	return out, nil
}

// isKeyError reports errors scoped to a single key rather than the connection.
func isKeyError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	var rerr redis.Error
	return errors.As(err, &rerr)
}

// ParseQuote decodes a quote hash.
func ParseQuote(sym model.Symbol, fields map[string]string) (model.Quote, error) {
	bid, err := decimal.NewFromString(fields["bid"])
	if err != nil {
		return model.Quote{}, apperrors.QuoteUnavailable.Explain("bad bid %q for %s", fields["bid"], sym)
	}
	ask, err := decimal.NewFromString(fields["ask"])
	if err != nil {
		return model.Quote{}, apperrors.QuoteUnavailable.Explain("bad ask %q for %s", fields["ask"], sym)
	}
	q := model.Quote{Symbol: sym, Bid: bid, Ask: ask}
	if ts, err := strconv.ParseInt(fields["ts"], 10, 64); err == nil {
		q.ObservedAt = time.UnixMilli(ts).UTC()
	}
	if !q.Valid() {
		return model.Quote{}, apperrors.QuoteUnavailable.Explain("crossed or empty quote for %s: bid %s ask %s", sym, bid, ask)
	}
	return q, nil
}
