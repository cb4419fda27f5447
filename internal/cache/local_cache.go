package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"timecapsule/backend/internal/domain"
)

// UserCache 缓存用户公开信息，用于胶囊视图中填充创建者与接收者
type UserCache interface {
	GetUser(ctx context.Context, userID string) (domain.PublicUser, bool)
	SetUser(ctx context.Context, user domain.PublicUser)
}

// LocalCache 本地内存缓存（L1 缓存）
//
// 特点：
//   - 使用 sync.Map 实现无锁读取
//   - 支持 TTL 过期
//   - 后台定期清理过期条目
//   - 容量达到上限时不再写入新键
type LocalCache struct {
	data    sync.Map
	size    atomic.Int64
	maxSize int64
	ttl     time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<=0 表示不限制
//   - ttl: 默认过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	cache := &LocalCache{
		maxSize: int64(maxSize),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go cache.cleanupLoop(time.Minute)

	return cache
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (interface{}, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}

	if _, loaded := c.data.Load(key); !loaded && c.maxSize > 0 && c.size.Load() >= c.maxSize {
		return
	}
	if _, loaded := c.data.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len 返回当前条目数（包含尚未清理的过期条目）
func (c *LocalCache) Len() int {
	return int(c.size.Load())
}

// Close 停止后台清理
func (c *LocalCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *LocalCache) evictExpired() {
	now := c.now()
	c.data.Range(func(key, value interface{}) bool {
		if now.After(value.(*cacheEntry).expiresAt) {
			c.Delete(key.(string))
		}
		return true
	})
}

// LocalUserCache 使用 LocalCache 实现 UserCache
type LocalUserCache struct {
	cache *LocalCache
}

// NewLocalUserCache 创建进程内用户缓存
func NewLocalUserCache(cache *LocalCache) *LocalUserCache {
	return &LocalUserCache{cache: cache}
}

// GetUser 获取缓存的用户信息
func (c *LocalUserCache) GetUser(_ context.Context, userID string) (domain.PublicUser, bool) {
	val, ok := c.cache.Get("user:" + userID)
	if !ok {
		return domain.PublicUser{}, false
	}
	user, ok := val.(domain.PublicUser)
	return user, ok
}

// SetUser 缓存用户信息
func (c *LocalUserCache) SetUser(_ context.Context, user domain.PublicUser) {
	c.cache.Set("user:"+user.ID, user, 0)
}
