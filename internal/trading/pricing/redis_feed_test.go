package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fxarena/internal/trading/model"
)

// replyError is a server reply scoped to one command, like WRONGTYPE.
type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

type fakePipe struct {
	redis.Pipeliner
	replies map[string]*redis.MapStringStringCmd
	cmds    []redis.Cmder
}

func (p *fakePipe) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	cmd, ok := p.replies[key]
	if !ok {
		cmd = redis.NewMapStringStringResult(map[string]string{}, nil)
	}
	p.cmds = append(p.cmds, cmd)
	return cmd
}

func (p *fakePipe) Exec(context.Context) ([]redis.Cmder, error) {
	for _, c := range p.cmds {
		if err := c.Err(); err != nil {
			return p.cmds, err
		}
	}
	return p.cmds, nil
}

type fakeRedis struct {
	redis.Cmdable
	replies map[string]*redis.MapStringStringCmd
}

func (f *fakeRedis) Pipeline() redis.Pipeliner {
	return &fakePipe{replies: f.replies}
}

func hash(bid, ask string) *redis.MapStringStringCmd {
	return redis.NewMapStringStringResult(map[string]string{"bid": bid, "ask": ask, "ts": "1700000000000"}, nil)
}

func TestRedisFeedSkipsBadKey(t *testing.T) {
	client := &fakeRedis{replies: map[string]*redis.MapStringStringCmd{
		"fxarena:quote:EURUSD": hash("1.0998", "1.1000"),
		"fxarena:quote:GBPUSD": redis.NewMapStringStringResult(nil,
			replyError("WRONGTYPE Operation against a key holding the wrong kind of value")),
		"fxarena:quote:USDJPY": hash("abc", "150.00"),
	}}
	feed := NewRedisFeed(client, "")

	got, err := feed.GetQuotes(context.Background(), []model.Symbol{"GBPUSD", "EURUSD", "USDJPY", "AUDUSD"})
	require.NoError(t, err)
	require.Contains(t, got, model.Symbol("EURUSD"))
	assert.True(t, got["EURUSD"].Ask.Equal(d("1.1000")))
	assert.Len(t, got, 1)
}

func TestRedisFeedConnectionFailure(t *testing.T) {
	down := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	client := &fakeRedis{replies: map[string]*redis.MapStringStringCmd{
		"fxarena:quote:EURUSD": redis.NewMapStringStringResult(nil, down),
		"fxarena:quote:GBPUSD": redis.NewMapStringStringResult(nil, down),
	}}
	feed := NewRedisFeed(client, "")

	got, err := feed.GetQuotes(context.Background(), []model.Symbol{"EURUSD", "GBPUSD"})
	require.ErrorIs(t, err, down)
	assert.Nil(t, got)
}

func TestAdapterBadKeyDoesNotTripBreaker(t *testing.T) {
	client := &fakeRedis{replies: map[string]*redis.MapStringStringCmd{
		"fxarena:quote:EURUSD": hash("1.0998", "1.1000"),
		"fxarena:quote:GBPUSD": redis.NewMapStringStringResult(nil, replyError("WRONGTYPE")),
	}}
	a := newTestAdapter(NewRedisFeed(client, ""), 0)

	for i := 0; i < 3; i++ {
		got, err := a.GetFreshQuotes(context.Background(), []model.Symbol{"EURUSD", "GBPUSD"})
		require.NoError(t, err)
		assert.Contains(t, got, model.Symbol("EURUSD"))
	}
	assert.Equal(t, BreakerClosed, a.Breaker().State())
}
