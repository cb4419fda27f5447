package sql

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// ========== User Repository ==========

// CreateUser 创建新用户，唯一约束冲突转换为 ErrEmailTaken / ErrUsernameTaken
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	now := s.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	if err := s.gormDB.WithContext(ctx).Create(toUserRecord(user)).Error; err != nil {
		return translateError("create user", err)
	}
	return nil
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.firstUser(ctx, "get user", "id = ?", id)
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.firstUser(ctx, "get user by email", "email = ?", email)
}

// GetUserByUsername 根据用户名获取用户（不区分大小写）
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.firstUser(ctx, "get user by username", "username_lower = ?", strings.ToLower(username))
}

func (s *Store) firstUser(ctx context.Context, op, query string, arg any) (*domain.User, error) {
	var rec userRecord
	err := s.gormDB.WithContext(ctx).Where(query, arg).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, translateError(op, err)
	}
	return rec.toDomain(), nil
}

// ListUsersByEmails 按邮箱批量查询用户
func (s *Store) ListUsersByEmails(ctx context.Context, emails []string) ([]*domain.User, error) {
	return s.listUsers(ctx, "list users by email", "email IN ?", emails)
}

// ListUsersByIDs 按ID批量查询用户
func (s *Store) ListUsersByIDs(ctx context.Context, ids []string) ([]*domain.User, error) {
	return s.listUsers(ctx, "list users by id", "id IN ?", ids)
}

func (s *Store) listUsers(ctx context.Context, op, query string, keys []string) ([]*domain.User, error) {
	users := make([]*domain.User, 0, len(keys))
	if len(keys) == 0 {
		return users, nil
	}

	var records []userRecord
	if err := s.gormDB.WithContext(ctx).Where(query, keys).Find(&records).Error; err != nil {
		return nil, translateError(op, err)
	}
	for i := range records {
		users = append(users, records[i].toDomain())
	}
	return users, nil
}

// UpdateLastLogin 更新用户最后登录时间
func (s *Store) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	result := s.gormDB.WithContext(ctx).
		Model(&userRecord{}).
		Where("id = ?", userID).
		Updates(map[string]any{"last_login_at": at, "updated_at": at})
	if result.Error != nil {
		return translateError("update last login", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}
