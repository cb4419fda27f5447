package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timecapsule/backend/internal/domain"
)

var (
	// ErrUserNotFound 用户未找到
	ErrUserNotFound = errors.New("user not found")
	// ErrCapsuleNotFound 胶囊未找到
	ErrCapsuleNotFound = errors.New("capsule not found")
	// ErrEmailTaken 邮箱唯一约束冲突
	ErrEmailTaken = errors.New("email already taken")
	// ErrUsernameTaken 用户名唯一约束冲突
	ErrUsernameTaken = errors.New("username already taken")
	// ErrNotLocked 条件更新失败：胶囊已不处于 locked 状态
	ErrNotLocked = errors.New("capsule is not locked")
	// ErrUnavailable 存储不可用（网络、驱动等基础设施故障）
	ErrUnavailable = errors.New("store unavailable")
)

// Unavailable 将底层驱动错误包装为 ErrUnavailable，同时保留原始错误链
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	ListUsersByEmails(ctx context.Context, emails []string) ([]*domain.User, error) // 按邮箱批量查询，重复邮箱只计一次
	ListUsersByIDs(ctx context.Context, ids []string) ([]*domain.User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
}

// CapsuleRepository 定义时间胶囊数据存取操作。
type CapsuleRepository interface {
	CreateCapsule(ctx context.Context, capsule *domain.Capsule) error
	GetCapsule(ctx context.Context, id string) (*domain.Capsule, error)
	ListCapsulesByMember(ctx context.Context, userID string) ([]*domain.Capsule, error) // 创建者或接收者，按解锁时间升序
	ListPublicCapsules(ctx context.Context) ([]*domain.Capsule, error)
	// UpdateLockedCapsule 仅当胶囊仍为 locked 时原子地应用补丁，否则返回 ErrNotLocked
	UpdateLockedCapsule(ctx context.Context, id string, patch domain.CapsulePatch) (*domain.Capsule, error)
	// DeleteLockedCapsule 仅当胶囊仍为 locked 时删除，否则返回 ErrNotLocked
	DeleteLockedCapsule(ctx context.Context, id string) error
	// ReplaceRecipients 整体替换接收者并把状态重置为 locked
	ReplaceRecipients(ctx context.Context, id string, recipientIDs []string) (*domain.Capsule, error)
	// UnlockDue 将所有 locked 且 unlockDate <= now 的胶囊置为 unlocked，返回受影响数量
	UnlockDue(ctx context.Context, now time.Time) (int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	UserRepository
	CapsuleRepository

	// 工具方法
	Close() error
	Health(ctx context.Context) error
}
