package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"timecapsule/backend/internal/auth"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/middleware"
	"timecapsule/backend/internal/monitoring"
)

// AuthHandler 处理认证相关的 HTTP 请求
type AuthHandler struct {
	authService *auth.Service
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(authService *auth.Service, metrics *monitoring.Metrics, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		metrics:     metrics,
		log:         log,
	}
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type authResponse struct {
	User         domain.PublicUser `json:"user"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	TokenType    string            `json:"tokenType"`
	ExpiresIn    int64             `json:"expiresIn"`
}

func newAuthResponse(result *auth.AuthResult) authResponse {
	return authResponse{
		User:         result.User,
		AccessToken:  result.Token.AccessToken,
		RefreshToken: result.Token.RefreshToken,
		TokenType:    result.Token.TokenType,
		ExpiresIn:    result.Token.ExpiresIn,
	}
}

// Register 用户注册
// @Summary 用户注册
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body registerRequest true "注册信息"
// @Router /v1/auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.metrics.RecordUserRegistered()
	Created(c, newAuthResponse(result))
}

// Login 用户登录
// @Summary 用户登录
// @Tags 认证
// @Param request body loginRequest true "登录凭证"
// @Router /v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		ClientIP: c.ClientIP(),
	})
	if err != nil {
		h.metrics.RecordLoginFailure(loginFailureReason(err))
		respondError(c, h.log, err)
		return
	}

	Success(c, newAuthResponse(result))
}

// Refresh 使用刷新令牌换取新令牌对
// @Router /v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	Success(c, newAuthResponse(result))
}

// Me 返回当前登录用户
// @Security BearerAuth
// @Router /v1/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	user, err := h.authService.Me(c.Request.Context(), caller.UserID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	Success(c, user)
}

func loginFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, auth.ErrTooManyAttempts):
		return "rate_limited"
	case errors.Is(err, auth.ErrValidation):
		return "validation"
	default:
		return "error"
	}
}
