package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter 按键计数的限流器
type Limiter interface {
	// Allow 记录一次尝试并返回是否仍在限额内
	Allow(ctx context.Context, key string) (bool, error)
	// Reset 清除键的计数（例如登录成功后）
	Reset(ctx context.Context, key string) error
}

// Counter 限流计数存储，*redis.Client 满足该接口
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisLimiter 固定窗口限流：INCR 计数，首次计数时设置窗口过期
type RedisLimiter struct {
	counter Counter
	prefix  string
	limit   int64
	window  time.Duration
	log     *zap.Logger
}

// NewRedisLimiter 创建基于 Redis 的限流器
func NewRedisLimiter(counter Counter, prefix string, limit int, window time.Duration, log *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		counter: counter,
		prefix:  prefix,
		limit:   int64(limit),
		window:  window,
		log:     log,
	}
}

func (l *RedisLimiter) key(key string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)
}

// Allow 后端故障时放行并记录日志
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.key(key)
	count, err := l.counter.Incr(ctx, k)
	if err != nil {
		l.log.Warn("rate limiter unavailable, allowing request", zap.String("key", k), zap.Error(err))
		return true, err
	}

	if count == 1 {
		if err := l.counter.Expire(ctx, k, l.window); err != nil {
			l.log.Warn("failed to set rate limit window", zap.String("key", k), zap.Error(err))
		}
	}

	return count <= l.limit, nil
}

// Reset 清除计数
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.counter.Del(ctx, l.key(key))
}

// MemoryLimiter 进程内令牌桶限流，每个键一个 rate.Limiter
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter 创建进程内限流器：窗口内允许 limit 次，按窗口匀速恢复
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		idleTTL:  window,
		now:      time.Now,
	}
}

// Allow 消耗一个令牌
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// Reset 清除键对应的令牌桶
func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
	return nil
}

// Cleanup 清理长时间未使用的键，返回清理数量
func (l *MemoryLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
