package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"timecapsule/backend/internal/cache"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/storage"
)

// CapsuleService 封装时间胶囊的生命周期操作。
//
// 状态机：locked --(到达 unlockDate 且执行扫描)--> unlocked；
// 只有 Send 会把胶囊重新置为 locked。
type CapsuleService struct {
	capsules  storage.CapsuleRepository
	users     storage.UserRepository
	userCache cache.UserCache
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewCapsuleService 创建胶囊业务服务。
func NewCapsuleService(capsules storage.CapsuleRepository, users storage.UserRepository, log *zap.Logger) *CapsuleService {
	return &CapsuleService{
		capsules: capsules,
		users:    users,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时间源（用于测试）
func (s *CapsuleService) SetClock(now func() time.Time) {
	s.now = now
}

// SetUserCache 设置用户信息缓存
func (s *CapsuleService) SetUserCache(c cache.UserCache) {
	s.userCache = c
}

// SetMetrics 设置监控指标
func (s *CapsuleService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// CreateCapsuleInput 定义创建胶囊所需的输入。
// 状态和接收者不在输入中：新胶囊总是 locked 且没有接收者。
type CreateCapsuleInput struct {
	Title      string
	Content    string
	UnlockDate time.Time
	IsPublic   bool
	MediaURLs  []string
}

// HasAccess 判断调用者能否查看胶囊
func HasAccess(capsule *domain.Capsule, callerID string) bool {
	return capsule.IsPublic || capsule.CreatorID == callerID || capsule.HasRecipient(callerID)
}

// Create 创建新的时间胶囊。
func (s *CapsuleService) Create(ctx context.Context, input CreateCapsuleInput, callerID string) (*domain.Capsule, error) {
	title := strings.TrimSpace(input.Title)
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	if input.UnlockDate.IsZero() {
		return nil, fmt.Errorf("%w: unlockDate is required", ErrValidation)
	}
	if err := validateMediaURLs(input.MediaURLs); err != nil {
		return nil, err
	}

	capsule := &domain.Capsule{
		ID:           uuid.NewString(),
		CreatorID:    callerID,
		RecipientIDs: []string{},
		Title:        title,
		Content:      input.Content,
		MediaURLs:    append([]string{}, input.MediaURLs...),
		UnlockDate:   input.UnlockDate.UTC(),
		IsPublic:     input.IsPublic,
		Status:       domain.StatusLocked,
	}

	if err := s.capsules.CreateCapsule(ctx, capsule); err != nil {
		s.metrics.RecordCapsuleOperation("create", "error")
		return nil, err
	}

	s.metrics.RecordCapsuleOperation("create", "success")
	s.log.Info("capsule created",
		zap.String("capsule_id", capsule.ID),
		zap.String("creator_id", callerID),
		zap.Time("unlock_date", capsule.UnlockDate),
	)
	return capsule, nil
}

// Get 读取单个胶囊。
// 即使持久化状态尚未更新，只要未到解锁时间就返回 ErrStillLocked；读取不会触发状态迁移。
func (s *CapsuleService) Get(ctx context.Context, capsuleID, callerID string) (*domain.CapsuleView, error) {
	capsule, err := s.load(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if !HasAccess(capsule, callerID) {
		return nil, ErrAccessDenied
	}
	if capsule.TimeGated(s.now()) {
		return nil, ErrStillLocked
	}

	ids := append([]string{capsule.CreatorID}, capsule.RecipientIDs...)
	users, err := s.resolveUsers(ctx, ids)
	if err != nil {
		return nil, err
	}

	view := s.view(capsule, users)
	view.Recipients = make([]domain.PublicUser, 0, len(capsule.RecipientIDs))
	for _, id := range capsule.RecipientIDs {
		if u, ok := users[id]; ok {
			view.Recipients = append(view.Recipients, u)
		}
	}
	return view, nil
}

// ListForUser 返回调用者创建或接收的全部胶囊，按解锁时间升序。
// 未到解锁时间的胶囊不返回内容。
func (s *CapsuleService) ListForUser(ctx context.Context, callerID string) ([]*domain.CapsuleView, error) {
	capsules, err := s.capsules.ListCapsulesByMember(ctx, callerID)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, capsules)
}

// ListPublic 返回全部公开胶囊，内容遮挡规则同 ListForUser。
func (s *CapsuleService) ListPublic(ctx context.Context) ([]*domain.CapsuleView, error) {
	capsules, err := s.capsules.ListPublicCapsules(ctx)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, capsules)
}

// Update 更新胶囊，仅创建者可在解锁前修改。
func (s *CapsuleService) Update(ctx context.Context, capsuleID, callerID string, patch domain.CapsulePatch) (*domain.Capsule, error) {
	capsule, err := s.load(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if capsule.CreatorID != callerID {
		return nil, ErrForbidden
	}
	if capsule.Status != domain.StatusLocked {
		return nil, ErrInvalidState
	}

	patch, err = normalizePatch(patch)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return capsule, nil
	}

	updated, err := s.capsules.UpdateLockedCapsule(ctx, capsuleID, patch)
	if err != nil {
		s.metrics.RecordCapsuleOperation("update", "error")
		return nil, translateStoreError(err)
	}

	s.metrics.RecordCapsuleOperation("update", "success")
	s.log.Info("capsule updated", zap.String("capsule_id", capsuleID))
	return updated, nil
}

// Delete 删除胶囊，已解锁的胶囊不可删除。
func (s *CapsuleService) Delete(ctx context.Context, capsuleID, callerID string) error {
	capsule, err := s.load(ctx, capsuleID)
	if err != nil {
		return err
	}
	if capsule.CreatorID != callerID {
		return ErrForbidden
	}
	if capsule.Status != domain.StatusLocked {
		return ErrInvalidState
	}

	if err := s.capsules.DeleteLockedCapsule(ctx, capsuleID); err != nil {
		s.metrics.RecordCapsuleOperation("delete", "error")
		return translateStoreError(err)
	}

	s.metrics.RecordCapsuleOperation("delete", "success")
	s.log.Info("capsule deleted", zap.String("capsule_id", capsuleID))
	return nil
}

// Send 按邮箱整体替换接收者，并无条件将胶囊重新置为 locked。
// 任意邮箱无法解析时整体失败，胶囊保持不变。
func (s *CapsuleService) Send(ctx context.Context, capsuleID string, recipientEmails []string, callerID string) (*domain.Capsule, error) {
	capsule, err := s.load(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if capsule.CreatorID != callerID {
		return nil, ErrForbidden
	}

	if len(recipientEmails) == 0 {
		return nil, fmt.Errorf("%w: recipientEmails must not be empty", ErrValidation)
	}
	emails := make([]string, 0, len(recipientEmails))
	for _, email := range recipientEmails {
		normalized := domain.NormalizeEmail(email)
		if normalized == "" {
			return nil, fmt.Errorf("%w: recipient email must not be empty", ErrValidation)
		}
		emails = append(emails, normalized)
	}

	users, err := s.users.ListUsersByEmails(ctx, emails)
	if err != nil {
		return nil, err
	}
	// 数量比较：重复邮箱只解析出一个用户，同样视为失败
	if len(users) != len(emails) {
		s.metrics.RecordCapsuleOperation("send", "unknown_recipient")
		return nil, ErrUnknownRecipient
	}

	// 存储不保证返回顺序，按输入邮箱顺序排列接收者
	byEmail := make(map[string]string, len(users))
	for _, u := range users {
		byEmail[domain.NormalizeEmail(u.Email)] = u.ID
	}
	recipientIDs := make([]string, 0, len(emails))
	for _, email := range emails {
		id, ok := byEmail[email]
		if !ok {
			s.metrics.RecordCapsuleOperation("send", "unknown_recipient")
			return nil, ErrUnknownRecipient
		}
		recipientIDs = append(recipientIDs, id)
	}

	updated, err := s.capsules.ReplaceRecipients(ctx, capsuleID, recipientIDs)
	if err != nil {
		s.metrics.RecordCapsuleOperation("send", "error")
		return nil, translateStoreError(err)
	}

	s.metrics.RecordCapsuleOperation("send", "success")
	s.log.Info("capsule sent",
		zap.String("capsule_id", capsuleID),
		zap.Int("recipients", len(recipientIDs)),
		zap.String("previous_status", string(capsule.Status)),
	)
	return updated, nil
}

// SweepStatusTransitions 将所有已到解锁时间的 locked 胶囊批量置为 unlocked，返回受影响数量。
func (s *CapsuleService) SweepStatusTransitions(ctx context.Context) (int64, error) {
	start := time.Now()
	count, err := s.capsules.UnlockDue(ctx, s.now())
	if err != nil {
		s.log.Error("status sweep failed", zap.Error(err))
		return 0, err
	}

	s.metrics.RecordSweep(count, time.Since(start))
	if count > 0 {
		s.log.Info("capsules unlocked", zap.Int64("count", count))
	}
	return count, nil
}

func (s *CapsuleService) load(ctx context.Context, capsuleID string) (*domain.Capsule, error) {
	capsule, err := s.capsules.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return capsule, nil
}

// views 构建列表视图，只展开创建者
func (s *CapsuleService) views(ctx context.Context, capsules []*domain.Capsule) ([]*domain.CapsuleView, error) {
	ids := make([]string, 0, len(capsules))
	for _, c := range capsules {
		ids = append(ids, c.CreatorID)
	}
	users, err := s.resolveUsers(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]*domain.CapsuleView, 0, len(capsules))
	for _, c := range capsules {
		view := s.view(c, users)
		if c.TimeGated(now) {
			view.Content = ""
			view.ContentHidden = true
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *CapsuleService) view(capsule *domain.Capsule, users map[string]domain.PublicUser) *domain.CapsuleView {
	view := &domain.CapsuleView{Capsule: *capsule}
	if creator, ok := users[capsule.CreatorID]; ok {
		view.Creator = &creator
	}
	return view
}

// resolveUsers 批量解析用户公开信息，优先读缓存
func (s *CapsuleService) resolveUsers(ctx context.Context, ids []string) (map[string]domain.PublicUser, error) {
	out := make(map[string]domain.PublicUser, len(ids))
	missing := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if s.userCache != nil {
			if u, ok := s.userCache.GetUser(ctx, id); ok {
				out[id] = u
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return out, nil
	}

	users, err := s.users.ListUsersByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		public := u.Public()
		out[u.ID] = public
		if s.userCache != nil {
			s.userCache.SetUser(ctx, public)
		}
	}
	return out, nil
}

// translateStoreError 将存储层错误映射为业务错误，基础设施错误原样返回
func translateStoreError(err error) error {
	switch {
	case errors.Is(err, storage.ErrCapsuleNotFound):
		return ErrCapsuleNotFound
	case errors.Is(err, storage.ErrNotLocked):
		return ErrInvalidState
	default:
		return err
	}
}

func validateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if len([]rune(title)) > domain.MaxTitleLength {
		return fmt.Errorf("%w: title must be at most %d characters", ErrValidation, domain.MaxTitleLength)
	}
	return nil
}

func validateMediaURLs(urls []string) error {
	for _, raw := range urls {
		if err := domain.ValidateMediaURL(raw); err != nil {
			return fmt.Errorf("%w: %w: %q", ErrValidation, err, raw)
		}
	}
	return nil
}

// normalizePatch 按创建时的规则校验补丁
func normalizePatch(patch domain.CapsulePatch) (domain.CapsulePatch, error) {
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if err := validateTitle(title); err != nil {
			return patch, err
		}
		patch.Title = &title
	}
	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		return patch, fmt.Errorf("%w: content must not be empty", ErrValidation)
	}
	if patch.UnlockDate != nil && patch.UnlockDate.IsZero() {
		return patch, fmt.Errorf("%w: unlockDate must not be empty", ErrValidation)
	}
	if patch.MediaURLs != nil {
		if err := validateMediaURLs(*patch.MediaURLs); err != nil {
			return patch, err
		}
	}
	return patch, nil
}
