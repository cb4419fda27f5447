package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
)

// UserCache 基于 Redis 的用户公开信息缓存，多实例部署时共享
type UserCache struct {
	client *Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewUserCache 创建用户缓存
func NewUserCache(client *Client, ttl time.Duration, log *zap.Logger) *UserCache {
	return &UserCache{client: client, ttl: ttl, log: log}
}

func userKey(userID string) string {
	return fmt.Sprintf("timecapsule:user:%s", userID)
}

// GetUser 获取缓存的用户信息；缓存故障视为未命中
func (c *UserCache) GetUser(ctx context.Context, userID string) (domain.PublicUser, bool) {
	data, err := c.client.Get(ctx, userKey(userID))
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Warn("user cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
		return domain.PublicUser{}, false
	}

	var user domain.PublicUser
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return domain.PublicUser{}, false
	}
	return user, true
}

// SetUser 缓存用户信息
func (c *UserCache) SetUser(ctx context.Context, user domain.PublicUser) {
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, userKey(user.ID), data, c.ttl); err != nil {
		c.log.Warn("user cache write failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}
