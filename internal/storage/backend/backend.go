// Package backend 根据配置选择存储实现。
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/memory"
	"timecapsule/backend/internal/storage/mongodb"
	sqlstore "timecapsule/backend/internal/storage/sql"
)

// Open 打开配置指定的存储，类型为空时使用内存存储。
// SQL 与 MongoDB 存储在打开时完成表结构迁移或索引创建。
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "":
		log.Warn("using memory storage, data will be lost on restart")
		return memory.NewStore(), nil
	case "postgres", "mysql":
		store, err := sqlstore.NewStore(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Type, err)
		}
		return store, nil
	case "mongo":
		store, err := mongodb.NewStore(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// IsPersistent 判断存储类型是否会持久化数据
func IsPersistent(cfg config.DatabaseConfig) bool {
	return cfg.Type != ""
}
