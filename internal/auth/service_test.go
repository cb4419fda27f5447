package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/ratelimit"
	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService() (*Service, *memory.Store, *jwt.Manager) {
	store := memory.NewStore()
	tokens := jwt.NewManager(strings.Repeat("a", 32), "test", 24*time.Hour, 7*24*time.Hour)
	return NewService(store, tokens, zap.NewNop()), store, tokens
}

func register(t *testing.T, service *Service, username, email string) *AuthResult {
	t.Helper()
	result, err := service.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    email,
		Password: "Password123!",
	})
	require.NoError(t, err)
	return result
}

func TestAuthService_Register(t *testing.T) {
	ctx := context.Background()
	service, store, tokens := newTestService()

	result, err := service.Register(ctx, RegisterInput{
		Username: "alice",
		Email:    "  Alice@Example.com ",
		Password: "Password123!",
		Role:     domain.RoleAdmin,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.User.ID)
	assert.Equal(t, "alice", result.User.Username)
	assert.Equal(t, "alice@example.com", result.User.Email)
	assert.Equal(t, domain.RoleUser, result.User.Role, "public registration never grants admin")

	claims, err := tokens.ValidateToken(result.Token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, claims.UserID)
	assert.Equal(t, "user", claims.Role)

	stored, err := store.GetUserByID(ctx, result.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "Password123!", stored.PasswordHash)
	assert.True(t, CheckPassword("Password123!", stored.PasswordHash))
}

func TestAuthService_Register_Conflicts(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService()
	register(t, service, "alice", "alice@example.com")

	t.Run("邮箱重复", func(t *testing.T) {
		_, err := service.Register(ctx, RegisterInput{Username: "other", Email: "ALICE@example.com", Password: "Password123!"})
		assert.ErrorIs(t, err, ErrEmailExists)
	})

	t.Run("用户名重复", func(t *testing.T) {
		_, err := service.Register(ctx, RegisterInput{Username: "Alice", Email: "new@example.com", Password: "Password123!"})
		assert.ErrorIs(t, err, ErrUsernameExists)
	})
}

func TestAuthService_Register_Validation(t *testing.T) {
	service, _, _ := newTestService()

	testCases := []struct {
		name  string
		input RegisterInput
	}{
		{name: "邮箱格式错误", input: RegisterInput{Username: "alice", Email: "not-an-email", Password: "Password123!"}},
		{name: "用户名为空", input: RegisterInput{Username: "  ", Email: "a@example.com", Password: "Password123!"}},
		{name: "用户名太短", input: RegisterInput{Username: "ab", Email: "a@example.com", Password: "Password123!"}},
		{name: "密码太短", input: RegisterInput{Username: "alice", Email: "a@example.com", Password: "short"}},
		{name: "密码超过bcrypt上限", input: RegisterInput{Username: "alice", Email: "a@example.com", Password: strings.Repeat("p", 73)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.Register(context.Background(), tc.input)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

// MockUserRepository 模拟唯一索引在预检查之后才冲突的并发场景
type MockUserRepository struct {
	mock.Mock
	storage.UserRepository
}

func (m *MockUserRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	user, _ := args.Get(0).(*domain.User)
	return user, args.Error(1)
}

func (m *MockUserRepository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	user, _ := args.Get(0).(*domain.User)
	return user, args.Error(1)
}

func (m *MockUserRepository) CreateUser(ctx context.Context, user *domain.User) error {
	return m.Called(ctx, user).Error(0)
}

func TestAuthService_Register_StoreConstraintWins(t *testing.T) {
	ctx := context.Background()
	repo := new(MockUserRepository)
	repo.On("GetUserByEmail", ctx, "race@example.com").Return(nil, storage.ErrUserNotFound)
	repo.On("GetUserByUsername", ctx, "racer").Return(nil, storage.ErrUserNotFound)
	repo.On("CreateUser", ctx, mock.AnythingOfType("*domain.User")).Return(storage.ErrEmailTaken)

	tokens := jwt.NewManager(strings.Repeat("a", 32), "test", time.Hour, time.Hour)
	service := NewService(repo, tokens, zap.NewNop())

	_, err := service.Register(ctx, RegisterInput{Username: "racer", Email: "race@example.com", Password: "Password123!"})
	assert.ErrorIs(t, err, ErrEmailExists)
	repo.AssertExpectations(t)
}

func TestAuthService_Login(t *testing.T) {
	ctx := context.Background()
	service, store, _ := newTestService()
	registered := register(t, service, "alice", "alice@example.com")

	t.Run("登录成功", func(t *testing.T) {
		result, err := service.Login(ctx, LoginInput{Email: "Alice@Example.com", Password: "Password123!"})
		require.NoError(t, err)
		assert.Equal(t, registered.User.ID, result.User.ID)
		assert.NotEmpty(t, result.Token.AccessToken)

		user, err := store.GetUserByID(ctx, registered.User.ID)
		require.NoError(t, err)
		assert.NotNil(t, user.LastLoginAt)
	})

	t.Run("未知邮箱与错误密码返回相同错误", func(t *testing.T) {
		_, errUnknown := service.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "Password123!"})
		_, errWrong := service.Login(ctx, LoginInput{Email: "alice@example.com", Password: "WrongPassword"})

		assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
		assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
		assert.Equal(t, errUnknown.Error(), errWrong.Error())
	})

	t.Run("缺少参数", func(t *testing.T) {
		_, err := service.Login(ctx, LoginInput{Email: "alice@example.com"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestAuthService_Login_RateLimited(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService()
	service.SetLoginLimiter(ratelimit.NewMemoryLimiter(2, time.Hour))
	register(t, service, "alice", "alice@example.com")

	for i := 0; i < 2; i++ {
		_, err := service.Login(ctx, LoginInput{Email: "alice@example.com", Password: "bad-password", ClientIP: "1.2.3.4"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := service.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Password123!", ClientIP: "1.2.3.4"})
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	// 其他客户端不受影响
	_, err = service.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Password123!", ClientIP: "5.6.7.8"})
	assert.NoError(t, err)
}

func TestAuthService_RefreshAndMe(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService()
	registered := register(t, service, "alice", "alice@example.com")

	refreshed, err := service.Refresh(ctx, registered.Token.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, refreshed.User.ID)

	_, err = service.Refresh(ctx, registered.Token.AccessToken)
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)

	me, err := service.Me(ctx, registered.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", me.Email)

	_, err = service.Me(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAuthService_CreateAdmin(t *testing.T) {
	service, _, _ := newTestService()

	admin, err := service.CreateAdmin(context.Background(), RegisterInput{
		Username: "root",
		Email:    "root@example.com",
		Password: "AdminPassword1",
	})
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin())
}
