package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"timecapsule/backend/internal/cache"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/memory"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	ctx     context.Context
	store   *memory.Store
	service *CapsuleService
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: memory.NewStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	f.service = NewCapsuleService(f.store, f.store, zap.NewNop())
	f.service.SetClock(func() time.Time { return f.now })

	for _, u := range []struct{ id, name, email string }{
		{"alice", "alice", "a@x.com"},
		{"bob", "bob", "b@x.com"},
		{"carol", "carol", "c@x.com"},
	} {
		require.NoError(t, f.store.CreateUser(f.ctx, &domain.User{
			ID: u.id, Username: u.name, Email: u.email, PasswordHash: "x", Role: domain.RoleUser,
		}))
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) create(t *testing.T, creator string, unlockIn time.Duration, public bool) *domain.Capsule {
	t.Helper()
	capsule, err := f.service.Create(f.ctx, CreateCapsuleInput{
		Title:      "Letter",
		Content:    "hello from the past",
		UnlockDate: f.now.Add(unlockIn),
		IsPublic:   public,
	}, creator)
	require.NoError(t, err)
	return capsule
}

func TestCapsuleService_Create(t *testing.T) {
	f := newFixture(t)

	t.Run("初始状态为锁定且没有接收者", func(t *testing.T) {
		capsule, err := f.service.Create(f.ctx, CreateCapsuleInput{
			Title:      "  Letter  ",
			Content:    "body",
			UnlockDate: f.now.Add(time.Hour),
			MediaURLs:  []string{"https://cdn.example.com/a.png", "https://cdn.example.com/a.png"},
		}, "alice")
		require.NoError(t, err)

		assert.Equal(t, domain.StatusLocked, capsule.Status)
		assert.Empty(t, capsule.RecipientIDs)
		assert.Equal(t, "alice", capsule.CreatorID)
		assert.Equal(t, "Letter", capsule.Title)
		assert.Len(t, capsule.MediaURLs, 2, "duplicates are preserved")

		stored, err := f.store.GetCapsule(f.ctx, capsule.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLocked, stored.Status)
		assert.Equal(t, f.now, stored.CreatedAt)
	})

	t.Run("过去的解锁时间也允许创建", func(t *testing.T) {
		capsule := f.create(t, "alice", -time.Hour, false)
		assert.Equal(t, domain.StatusLocked, capsule.Status)
	})

	testCases := []struct {
		name  string
		input CreateCapsuleInput
	}{
		{name: "缺少标题", input: CreateCapsuleInput{Title: "   ", Content: "c", UnlockDate: f.now}},
		{name: "缺少内容", input: CreateCapsuleInput{Title: "t", Content: "", UnlockDate: f.now}},
		{name: "缺少解锁时间", input: CreateCapsuleInput{Title: "t", Content: "c"}},
		{name: "媒体地址不是绝对URL", input: CreateCapsuleInput{Title: "t", Content: "c", UnlockDate: f.now, MediaURLs: []string{"/relative.png"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Create(f.ctx, tc.input, "alice")
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCapsuleService_Get_TimeGate(t *testing.T) {
	f := newFixture(t)
	private := f.create(t, "alice", time.Hour, false)
	public := f.create(t, "alice", time.Hour, true)

	t.Run("解锁前创建者也无法读取", func(t *testing.T) {
		_, err := f.service.Get(f.ctx, private.ID, "alice")
		assert.ErrorIs(t, err, ErrStillLocked)
	})

	t.Run("解锁前公开胶囊也无法读取", func(t *testing.T) {
		_, err := f.service.Get(f.ctx, public.ID, "bob")
		assert.ErrorIs(t, err, ErrStillLocked)
	})

	t.Run("无权限优先于时间锁", func(t *testing.T) {
		_, err := f.service.Get(f.ctx, private.ID, "bob")
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("不存在", func(t *testing.T) {
		_, err := f.service.Get(f.ctx, "missing", "alice")
		assert.ErrorIs(t, err, ErrCapsuleNotFound)
	})

	t.Run("到时间后即使未扫描也可读取且不改变状态", func(t *testing.T) {
		f.advance(2 * time.Hour)
		view, err := f.service.Get(f.ctx, private.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, "hello from the past", view.Content)
		require.NotNil(t, view.Creator)
		assert.Equal(t, "alice", view.Creator.Username)

		stored, err := f.store.GetCapsule(f.ctx, private.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLocked, stored.Status)
	})
}

func TestCapsuleService_UnlockScenario(t *testing.T) {
	f := newFixture(t)
	capsule := f.create(t, "alice", time.Hour, false)

	_, err := f.service.Get(f.ctx, capsule.ID, "alice")
	require.ErrorIs(t, err, ErrStillLocked)

	f.advance(time.Hour + time.Second)
	count, err := f.service.SweepStatusTransitions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	view, err := f.service.Get(f.ctx, capsule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnlocked, view.Status)
	assert.Equal(t, "hello from the past", view.Content)

	t.Run("第二次扫描没有变化", func(t *testing.T) {
		count, err := f.service.SweepStatusTransitions(f.ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestCapsuleService_SweepBoundary(t *testing.T) {
	f := newFixture(t)
	due := f.create(t, "alice", 0, false)
	later := f.create(t, "alice", time.Nanosecond, false)

	count, err := f.service.SweepStatusTransitions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "unlockDate == now qualifies")

	stored, _ := f.store.GetCapsule(f.ctx, due.ID)
	assert.Equal(t, domain.StatusUnlocked, stored.Status)
	stored, _ = f.store.GetCapsule(f.ctx, later.ID)
	assert.Equal(t, domain.StatusLocked, stored.Status)
}

func TestCapsuleService_SendScenario(t *testing.T) {
	f := newFixture(t)
	capsule := f.create(t, "alice", time.Hour, false)

	sent, err := f.service.Send(f.ctx, capsule.ID, []string{" B@X.com "}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, sent.RecipientIDs)

	f.advance(2 * time.Hour)
	_, err = f.service.SweepStatusTransitions(f.ctx)
	require.NoError(t, err)

	view, err := f.service.Get(f.ctx, capsule.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello from the past", view.Content)
	require.Len(t, view.Recipients, 1)
	assert.Equal(t, "b@x.com", view.Recipients[0].Email)

	_, err = f.service.Get(f.ctx, capsule.ID, "carol")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestCapsuleService_Send(t *testing.T) {
	f := newFixture(t)
	capsule := f.create(t, "alice", time.Hour, false)
	_, err := f.service.Send(f.ctx, capsule.ID, []string{"b@x.com"}, "alice")
	require.NoError(t, err)

	t.Run("未知邮箱整体失败且不修改胶囊", func(t *testing.T) {
		_, err := f.service.Send(f.ctx, capsule.ID, []string{"c@x.com", "ghost@x.com"}, "alice")
		assert.ErrorIs(t, err, ErrUnknownRecipient)

		stored, err := f.store.GetCapsule(f.ctx, capsule.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, stored.RecipientIDs)
		assert.Equal(t, domain.StatusLocked, stored.Status)
	})

	t.Run("重复邮箱视为数量不匹配", func(t *testing.T) {
		_, err := f.service.Send(f.ctx, capsule.ID, []string{"c@x.com", "C@x.com"}, "alice")
		assert.ErrorIs(t, err, ErrUnknownRecipient)
	})

	t.Run("空列表", func(t *testing.T) {
		_, err := f.service.Send(f.ctx, capsule.ID, nil, "alice")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("非创建者禁止发送", func(t *testing.T) {
		_, err := f.service.Send(f.ctx, capsule.ID, []string{"c@x.com"}, "bob")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("覆盖而不是追加", func(t *testing.T) {
		sent, err := f.service.Send(f.ctx, capsule.ID, []string{"c@x.com"}, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"carol"}, sent.RecipientIDs)
	})

	t.Run("已解锁的胶囊发送后重新锁定", func(t *testing.T) {
		f.advance(2 * time.Hour)
		_, err := f.service.SweepStatusTransitions(f.ctx)
		require.NoError(t, err)

		sent, err := f.service.Send(f.ctx, capsule.ID, []string{"b@x.com"}, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLocked, sent.Status)
	})
}

func TestCapsuleService_UpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	capsule := f.create(t, "alice", time.Hour, false)

	t.Run("创建者更新", func(t *testing.T) {
		title := " New title "
		public := true
		updated, err := f.service.Update(f.ctx, capsule.ID, "alice", domain.CapsulePatch{Title: &title, IsPublic: &public})
		require.NoError(t, err)
		assert.Equal(t, "New title", updated.Title)
		assert.True(t, updated.IsPublic)
		assert.Equal(t, domain.StatusLocked, updated.Status)
	})

	t.Run("空补丁返回当前记录", func(t *testing.T) {
		current, err := f.service.Update(f.ctx, capsule.ID, "alice", domain.CapsulePatch{})
		require.NoError(t, err)
		assert.Equal(t, "New title", current.Title)
	})

	t.Run("补丁校验", func(t *testing.T) {
		empty := ""
		_, err := f.service.Update(f.ctx, capsule.ID, "alice", domain.CapsulePatch{Content: &empty})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("非创建者禁止更新和删除", func(t *testing.T) {
		title := "hijack"
		_, err := f.service.Update(f.ctx, capsule.ID, "bob", domain.CapsulePatch{Title: &title})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.ErrorIs(t, f.service.Delete(f.ctx, capsule.ID, "bob"), ErrForbidden)
	})

	t.Run("解锁后禁止更新和删除", func(t *testing.T) {
		f.advance(2 * time.Hour)
		_, err := f.service.SweepStatusTransitions(f.ctx)
		require.NoError(t, err)

		title := "late"
		_, err = f.service.Update(f.ctx, capsule.ID, "alice", domain.CapsulePatch{Title: &title})
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.ErrorIs(t, f.service.Delete(f.ctx, capsule.ID, "alice"), ErrInvalidState)
	})

	t.Run("删除锁定胶囊", func(t *testing.T) {
		other := f.create(t, "alice", time.Hour, false)
		require.NoError(t, f.service.Delete(f.ctx, other.ID, "alice"))
		assert.ErrorIs(t, f.service.Delete(f.ctx, other.ID, "alice"), ErrCapsuleNotFound)
	})
}

func TestCapsuleService_Lists(t *testing.T) {
	f := newFixture(t)
	later := f.create(t, "alice", 2*time.Hour, true)
	sooner := f.create(t, "bob", time.Hour, false)
	past := f.create(t, "alice", -time.Hour, false)
	_, err := f.service.Send(f.ctx, sooner.ID, []string{"a@x.com"}, "bob")
	require.NoError(t, err)

	t.Run("我的胶囊按解锁时间升序且遮挡未解锁内容", func(t *testing.T) {
		views, err := f.service.ListForUser(f.ctx, "alice")
		require.NoError(t, err)
		require.Len(t, views, 3)

		assert.Equal(t, []string{past.ID, sooner.ID, later.ID}, []string{views[0].ID, views[1].ID, views[2].ID})
		assert.Equal(t, "hello from the past", views[0].Content)
		assert.False(t, views[0].ContentHidden)
		assert.Empty(t, views[1].Content)
		assert.True(t, views[1].ContentHidden)
		require.NotNil(t, views[1].Creator)
		assert.Equal(t, "bob", views[1].Creator.Username)
	})

	t.Run("公开胶囊", func(t *testing.T) {
		views, err := f.service.ListPublic(f.ctx)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, later.ID, views[0].ID)
		assert.True(t, views[0].ContentHidden)
	})

	t.Run("无关用户列表为空", func(t *testing.T) {
		views, err := f.service.ListForUser(f.ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, views)
	})
}

func TestHasAccess(t *testing.T) {
	capsule := &domain.Capsule{CreatorID: "alice", RecipientIDs: []string{"bob"}}

	assert.True(t, HasAccess(capsule, "alice"))
	assert.True(t, HasAccess(capsule, "bob"))
	assert.False(t, HasAccess(capsule, "carol"))

	capsule.IsPublic = true
	assert.True(t, HasAccess(capsule, "carol"))
}

func TestCapsuleService_UserCacheAndMetrics(t *testing.T) {
	f := newFixture(t)
	local := cache.NewLocalCache(100, time.Minute)
	defer local.Close()
	userCache := cache.NewLocalUserCache(local)
	metrics := monitoring.NewMetrics()
	f.service.SetUserCache(userCache)
	f.service.SetMetrics(metrics)

	f.create(t, "alice", time.Hour, false)
	_, err := f.service.ListForUser(f.ctx, "alice")
	require.NoError(t, err)

	cached, ok := userCache.GetUser(f.ctx, "alice")
	require.True(t, ok)
	assert.Equal(t, "a@x.com", cached.Email)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CapsuleOperations.WithLabelValues("create", "success")))
}

// reversedUsers 以与查询相反的顺序返回用户
type reversedUsers struct {
	*memory.Store
}

func (r reversedUsers) ListUsersByEmails(ctx context.Context, emails []string) ([]*domain.User, error) {
	users, err := r.Store.ListUsersByEmails(ctx, emails)
	slices.Reverse(users)
	return users, err
}

func TestCapsuleService_SendKeepsRecipientOrder(t *testing.T) {
	f := newFixture(t)
	service := NewCapsuleService(f.store, reversedUsers{f.store}, zap.NewNop())
	service.SetClock(func() time.Time { return f.now })

	capsule := f.create(t, "alice", time.Hour, false)
	sent, err := service.Send(f.ctx, capsule.ID, []string{"C@x.com", "b@x.com"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "bob"}, sent.RecipientIDs)
}

// MockCapsuleRepository 模拟存储故障与并发扫描
type MockCapsuleRepository struct {
	mock.Mock
	storage.CapsuleRepository
}

func (m *MockCapsuleRepository) GetCapsule(ctx context.Context, id string) (*domain.Capsule, error) {
	args := m.Called(ctx, id)
	capsule, _ := args.Get(0).(*domain.Capsule)
	return capsule, args.Error(1)
}

func (m *MockCapsuleRepository) UpdateLockedCapsule(ctx context.Context, id string, patch domain.CapsulePatch) (*domain.Capsule, error) {
	args := m.Called(ctx, id, patch)
	capsule, _ := args.Get(0).(*domain.Capsule)
	return capsule, args.Error(1)
}

func (m *MockCapsuleRepository) DeleteLockedCapsule(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockCapsuleRepository) UnlockDue(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func TestCapsuleService_ConcurrentSweepGuard(t *testing.T) {
	ctx := context.Background()
	locked := &domain.Capsule{ID: "c1", CreatorID: "alice", Status: domain.StatusLocked, UnlockDate: time.Now().Add(time.Hour)}

	repo := new(MockCapsuleRepository)
	repo.On("GetCapsule", ctx, "c1").Return(locked, nil)
	// 读取之后、写入之前胶囊被扫描解锁
	repo.On("UpdateLockedCapsule", ctx, "c1", mock.Anything).Return(nil, storage.ErrNotLocked)
	repo.On("DeleteLockedCapsule", ctx, "c1").Return(storage.ErrNotLocked)

	service := NewCapsuleService(repo, memory.NewStore(), zap.NewNop())

	title := "edit"
	_, err := service.Update(ctx, "c1", "alice", domain.CapsulePatch{Title: &title})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, service.Delete(ctx, "c1", "alice"), ErrInvalidState)
	repo.AssertExpectations(t)
}

func TestCapsuleService_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	outage := storage.Unavailable("get capsule", errors.New("connection refused"))

	repo := new(MockCapsuleRepository)
	repo.On("GetCapsule", ctx, "c1").Return(nil, outage)
	repo.On("UnlockDue", ctx, mock.AnythingOfType("time.Time")).Return(int64(0), outage)

	service := NewCapsuleService(repo, memory.NewStore(), zap.NewNop())

	_, err := service.Get(ctx, "c1", "alice")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrCapsuleNotFound)

	_, err = service.SweepStatusTransitions(ctx)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
