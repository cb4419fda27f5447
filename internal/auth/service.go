package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/ratelimit"
	"timecapsule/backend/internal/storage"
)

var (
	// ErrValidation 注册或登录参数无效
	ErrValidation = errors.New("validation failed")
	// ErrEmailExists 邮箱已存在
	ErrEmailExists = errors.New("email already exists")
	// ErrUsernameExists 用户名已存在
	ErrUsernameExists = errors.New("username already exists")
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials 凭证无效（邮箱不存在与密码错误返回同一错误）
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTooManyAttempts 登录失败次数过多
	ErrTooManyAttempts = errors.New("too many login attempts")
)

// Service 认证服务
type Service struct {
	users   storage.UserRepository
	tokens  *jwt.Manager
	limiter ratelimit.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// NewService 创建认证服务
func NewService(users storage.UserRepository, tokens *jwt.Manager, log *zap.Logger) *Service {
	return &Service{
		users:  users,
		tokens: tokens,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLoginLimiter 设置登录失败限流器，未设置时不限流
func (s *Service) SetLoginLimiter(limiter ratelimit.Limiter) {
	s.limiter = limiter
}

// RegisterInput 注册输入
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Role     domain.UserRole // 公开注册时忽略 admin
}

// LoginInput 登录输入
type LoginInput struct {
	Email    string
	Password string
	ClientIP string
}

// AuthResult 认证结果
type AuthResult struct {
	Token *jwt.TokenPair
	User  domain.PublicUser
}

// Register 用户注册，成功后直接签发令牌
func (s *Service) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	user, err := s.createUser(ctx, input, domain.RoleUser)
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

// CreateAdmin 创建管理员账号，仅供运维命令使用
func (s *Service) CreateAdmin(ctx context.Context, input RegisterInput) (*domain.User, error) {
	return s.createUser(ctx, input, domain.RoleAdmin)
}

func (s *Service) createUser(ctx context.Context, input RegisterInput, role domain.UserRole) (*domain.User, error) {
	email := domain.NormalizeEmail(input.Email)
	username := strings.TrimSpace(input.Username)

	if err := domain.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := domain.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := domain.ValidatePassword(input.Password); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	// 预检查给出更明确的错误，唯一索引是最终裁决
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailExists
	} else if !errors.Is(err, storage.ErrUserNotFound) {
		return nil, err
	}
	if _, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUsernameExists
	} else if !errors.Is(err, storage.ErrUserNotFound) {
		return nil, err
	}

	passwordHash, err := HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		switch {
		case errors.Is(err, storage.ErrEmailTaken):
			return nil, ErrEmailExists
		case errors.Is(err, storage.ErrUsernameTaken):
			return nil, ErrUsernameExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("role", string(user.Role)),
	)
	return user, nil
}

// Login 用户登录
func (s *Service) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	email := domain.NormalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	limitKey := input.ClientIP + "|" + email
	if s.limiter != nil {
		// 限流器故障时放行
		if ok, _ := s.limiter.Allow(ctx, limitKey); !ok {
			s.log.Warn("login rate limited", zap.String("client_ip", input.ClientIP))
			return nil, ErrTooManyAttempts
		}
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			return nil, err
		}
		// 邮箱不存在时同样执行一次 bcrypt 比较
		CheckPassword(input.Password, dummyHash())
		return nil, ErrInvalidCredentials
	}

	if !CheckPassword(input.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if s.limiter != nil {
		_ = s.limiter.Reset(ctx, limitKey)
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		s.log.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	return s.issue(user)
}

// Refresh 使用刷新令牌换取新令牌，用户必须仍然存在
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, jwt.ErrInvalidToken
		}
		return nil, err
	}

	return s.issue(user)
}

// Me 返回当前用户的公开信息
func (s *Service) Me(ctx context.Context, userID string) (domain.PublicUser, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return domain.PublicUser{}, ErrUserNotFound
		}
		return domain.PublicUser{}, err
	}
	return user.Public(), nil
}

func (s *Service) issue(user *domain.User) (*AuthResult, error) {
	tokens, err := s.tokens.GenerateTokenPair(user.ID, string(user.Role))
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}
	return &AuthResult{Token: tokens, User: user.Public()}, nil
}

// HashPassword 哈希密码
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword 检查密码是否匹配
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var (
	dummyOnce sync.Once
	dummy     string
)

func dummyHash() string {
	dummyOnce.Do(func() {
		dummy, _ = HashPassword("timecapsule-dummy-password")
	})
	return dummy
}
