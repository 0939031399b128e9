package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"webhook-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// incrCounterScript faz o incremento de janela fixa de forma atômica no Redis:
// INCR + PEXPIRE na primeira requisição da janela, depois só INCR. O PTTL
// devolvido vira o ResetAt do contador. A guarda de ttl < 0 cobre chave que
// ficou sem expiração (ex: PEXPIRE perdido num failover).
var incrCounterScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// peekCounterScript lê contagem e PTTL sem consumir.
var peekCounterScript = redis.NewScript(`
local count = redis.call('GET', KEYS[1])
if not count then
  return {0, -2}
end
return {tonumber(count), redis.call('PTTL', KEYS[1])}
`)

// RedisCounterStore implementa domain.CounterStore num Redis compartilhado,
// para várias instâncias do gateway contarem no mesmo domínio de chaves
// (useSharedStore=true). A atomicidade é do próprio Redis (script Lua roda
// single-writer por chave); a entrada se auto-expira pelo TTL da janela.
//
// Toda chamada tem timeout curto próprio: Redis fora do ar vira erro que o
// engine trata (fail-open), nunca um bloqueio da requisição.
type RedisCounterStore struct {
	rdb     redis.Scripter
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

type RedisCounterOption func(*RedisCounterStore)

func WithRedisCounterPrefix(prefix string) RedisCounterOption {
	return func(s *RedisCounterStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithRedisCounterTimeout(d time.Duration) RedisCounterOption {
	return func(s *RedisCounterStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRedisCounterClock(now func() time.Time) RedisCounterOption {
	return func(s *RedisCounterStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisCounterStore(rdb redis.Scripter, opts ...RedisCounterOption) *RedisCounterStore {
	s := &RedisCounterStore{
		rdb:     rdb,
		prefix:  "ratelimit:counter",
		timeout: 150 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment implementa domain.CounterStore.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (domain.Counter, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := incrCounterScript.Run(callCtx, s.rdb, []string{s.redisKey(key)}, window.Milliseconds()).Slice()
	if err != nil {
		return domain.Counter{}, fmt.Errorf("redis counter increment: %w", err)
	}

	count, ttlMs, err := counterPair(res)
	if err != nil {
		return domain.Counter{}, fmt.Errorf("redis counter increment: %w", err)
	}

	return domain.Counter{
		Count:   count,
		ResetAt: s.now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

// Peek implementa domain.CounterPeeker.
func (s *RedisCounterStore) Peek(ctx context.Context, key string) (domain.Counter, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := peekCounterScript.Run(callCtx, s.rdb, []string{s.redisKey(key)}).Slice()
	if err != nil {
		return domain.Counter{}, false, fmt.Errorf("redis counter peek: %w", err)
	}

	count, ttlMs, err := counterPair(res)
	if err != nil {
		return domain.Counter{}, false, fmt.Errorf("redis counter peek: %w", err)
	}
	if count <= 0 || ttlMs <= 0 {
		return domain.Counter{}, false, nil
	}

	return domain.Counter{
		Count:   count,
		ResetAt: s.now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, true, nil
}

func (s *RedisCounterStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

func counterPair(res []interface{}) (count int64, ttlMs int64, err error) {
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result length %d", len(res))
	}
	count, ok1 := res[0].(int64)
	ttlMs, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected script result types %T/%T", res[0], res[1])
	}
	return count, ttlMs, nil
}
