package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// Store 使用内存保存用户与胶囊数据，主要用于开发验证和测试。
type Store struct {
	mu         sync.RWMutex
	users      map[string]*domain.User    // userID -> user
	byEmail    map[string]string          // email -> userID
	byUsername map[string]string          // lower(username) -> userID
	capsules   map[string]*domain.Capsule // capsuleID -> capsule

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		users:      make(map[string]*domain.User),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
		capsules:   make(map[string]*domain.Capsule),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时间源（用于测试维护时间戳）
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ========== User Repository ==========

// CreateUser 创建新用户
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	if user.ID == "" {
		return errors.New("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[user.Email]; exists {
		return storage.ErrEmailTaken
	}
	usernameKey := strings.ToLower(user.Username)
	if _, exists := s.byUsername[usernameKey]; exists {
		return storage.ErrUsernameTaken
	}

	now := s.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	stored := *user
	s.users[user.ID] = &stored
	s.byEmail[user.Email] = user.ID
	s.byUsername[usernameKey] = user.ID
	return nil
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	out := *user
	return &out, nil
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lookupLocked(s.byEmail, email)
}

// GetUserByUsername 根据用户名获取用户（不区分大小写）
func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lookupLocked(s.byUsername, strings.ToLower(username))
}

func (s *Store) lookupLocked(index map[string]string, key string) (*domain.User, error) {
	userID, ok := index[key]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	out := *user
	return &out, nil
}

// ListUsersByEmails 按邮箱批量查询用户
func (s *Store) ListUsersByEmails(_ context.Context, emails []string) ([]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(emails))
	users := make([]*domain.User, 0, len(emails))
	for _, email := range emails {
		userID, ok := s.byEmail[email]
		if !ok {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		out := *s.users[userID]
		users = append(users, &out)
	}
	return users, nil
}

// ListUsersByIDs 按ID批量查询用户
func (s *Store) ListUsersByIDs(_ context.Context, ids []string) ([]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*domain.User, 0, len(ids))
	for _, id := range ids {
		if user, ok := s.users[id]; ok {
			out := *user
			users = append(users, &out)
		}
	}
	return users, nil
}

// UpdateLastLogin 更新用户最后登录时间
func (s *Store) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	user.LastLoginAt = &at
	user.UpdatedAt = at
	return nil
}

// ========== Capsule Repository ==========

// CreateCapsule 保存新胶囊
func (s *Store) CreateCapsule(_ context.Context, capsule *domain.Capsule) error {
	if capsule.ID == "" {
		return errors.New("capsule ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	capsule.CreatedAt = now
	capsule.UpdatedAt = now
	s.capsules[capsule.ID] = capsule.Clone()
	return nil
}

// GetCapsule 根据ID获取胶囊
func (s *Store) GetCapsule(_ context.Context, id string) (*domain.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capsule, ok := s.capsules[id]
	if !ok {
		return nil, storage.ErrCapsuleNotFound
	}
	return capsule.Clone(), nil
}

// ListCapsulesByMember 返回用户创建或接收的全部胶囊
func (s *Store) ListCapsulesByMember(_ context.Context, userID string) ([]*domain.Capsule, error) {
	return s.filter(func(c *domain.Capsule) bool {
		return c.CreatorID == userID || c.HasRecipient(userID)
	}), nil
}

// ListPublicCapsules 返回全部公开胶囊
func (s *Store) ListPublicCapsules(_ context.Context) ([]*domain.Capsule, error) {
	return s.filter(func(c *domain.Capsule) bool {
		return c.IsPublic
	}), nil
}

// filter 按条件筛选并按解锁时间升序排列
func (s *Store) filter(match func(*domain.Capsule) bool) []*domain.Capsule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Capsule, 0)
	for _, c := range s.capsules {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UnlockDate.Equal(out[j].UnlockDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].UnlockDate.Before(out[j].UnlockDate)
	})
	return out
}

// UpdateLockedCapsule 条件更新胶囊
func (s *Store) UpdateLockedCapsule(_ context.Context, id string, patch domain.CapsulePatch) (*domain.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capsule, ok := s.capsules[id]
	if !ok {
		return nil, storage.ErrCapsuleNotFound
	}
	if capsule.Status != domain.StatusLocked {
		return nil, storage.ErrNotLocked
	}

	patch.Apply(capsule)
	capsule.UpdatedAt = s.now()
	return capsule.Clone(), nil
}

// DeleteLockedCapsule 条件删除胶囊
func (s *Store) DeleteLockedCapsule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capsule, ok := s.capsules[id]
	if !ok {
		return storage.ErrCapsuleNotFound
	}
	if capsule.Status != domain.StatusLocked {
		return storage.ErrNotLocked
	}
	delete(s.capsules, id)
	return nil
}

// ReplaceRecipients 整体替换接收者并重置为 locked
func (s *Store) ReplaceRecipients(_ context.Context, id string, recipientIDs []string) (*domain.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capsule, ok := s.capsules[id]
	if !ok {
		return nil, storage.ErrCapsuleNotFound
	}
	capsule.RecipientIDs = slices.Clone(recipientIDs)
	if capsule.RecipientIDs == nil {
		capsule.RecipientIDs = []string{}
	}
	capsule.Status = domain.StatusLocked
	capsule.UpdatedAt = s.now()
	return capsule.Clone(), nil
}

// UnlockDue 批量解锁到期胶囊
func (s *Store) UnlockDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, c := range s.capsules {
		if c.Status == domain.StatusLocked && !c.UnlockDate.After(now) {
			c.Status = domain.StatusUnlocked
			c.UpdatedAt = s.now()
			count++
		}
	}
	return count, nil
}

// ========== 工具方法 ==========

// Close 内存存储无需关闭
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康
func (s *Store) Health(_ context.Context) error {
	return nil
}

var _ storage.Store = (*Store)(nil)
