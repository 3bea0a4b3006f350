package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iurnickita/creditledger/internal/model"
)

// Gate decides whether an account may issue another metered request today.
type Gate interface {
	Allow(ctx context.Context, accountID string, tokens int64) error
}

type Limits struct {
	DailyRequests int64
	DailyTokens   int64
}

// Connect returns nil without error when addr is empty.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

// RedisGate keeps per-day counters in Redis. Zero limits are unlimited.
type RedisGate struct {
	rdb    redis.Cmdable
	limits Limits
	now    func() time.Time
}

func NewRedisGate(rdb redis.Cmdable, limits Limits) *RedisGate {
	return &RedisGate{rdb: rdb, limits: limits, now: func() time.Time { return time.Now().UTC() }}
}

func (g *RedisGate) Allow(ctx context.Context, accountID string, tokens int64) error {
	day := g.now().Format("20060102")
	reqKey := fmt.Sprintf("ratelimit:req:%s:%s", accountID, day)
	tokKey := fmt.Sprintf("ratelimit:tok:%s:%s", accountID, day)

	var reqCmd, tokCmd *redis.IntCmd
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		reqCmd = pipe.Incr(ctx, reqKey)
		tokCmd = pipe.IncrBy(ctx, tokKey, tokens)
		pipe.Expire(ctx, reqKey, 48*time.Hour)
		pipe.Expire(ctx, tokKey, 48*time.Hour)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: rate limit: %v", model.ErrServiceUnavailable, err)
	}

	overReq := g.limits.DailyRequests > 0 && reqCmd.Val() > g.limits.DailyRequests
	overTok := g.limits.DailyTokens > 0 && tokCmd.Val() > g.limits.DailyTokens
	if !overReq && !overTok {
		return nil
	}

	// отказ не расходует лимит
	_, _ = g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Decr(ctx, reqKey)
		pipe.DecrBy(ctx, tokKey, tokens)
		return nil
	})
	if overReq {
		return fmt.Errorf("%w: daily request limit %d", model.ErrRateLimited, g.limits.DailyRequests)
	}
	return fmt.Errorf("%w: daily token limit %d", model.ErrRateLimited, g.limits.DailyTokens)
}

type nop struct{}

// Nop allows everything.
func Nop() Gate { return nop{} }

func (nop) Allow(context.Context, string, int64) error { return nil }
