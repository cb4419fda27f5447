package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/domain"
)

// gin 上下文中保存调用者身份的键
const (
	ContextKeyUserID = "userID"
	ContextKeyRole   = "role"
	ContextKeyCaller = "caller"
)

// JWTAuth JWT认证中间件
type JWTAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(jwtManager *jwt.Manager, log *zap.Logger) *JWTAuth {
	return &JWTAuth{
		jwtManager: jwtManager,
		log:        log,
	}
}

// RequireAuth 要求JWT认证，校验通过后把调用者写入 gin 上下文和请求 context
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			abortWithMessage(c, http.StatusUnauthorized, "需要登录认证")
			return
		}

		claims, err := ja.jwtManager.ValidateToken(token)
		if err != nil {
			ja.log.Debug("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			msg := "无效的访问令牌"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "登录已过期，请重新登录"
			}
			abortWithMessage(c, http.StatusUnauthorized, msg)
			return
		}

		caller := domain.Caller{UserID: claims.UserID, Role: domain.UserRole(claims.Role)}
		c.Set(ContextKeyUserID, caller.UserID)
		c.Set(ContextKeyRole, caller.Role)
		c.Set(ContextKeyCaller, caller)
		c.Request = c.Request.WithContext(domain.WithCaller(c.Request.Context(), caller))

		c.Next()
	}
}

// CallerFrom 读取 RequireAuth 写入的调用者身份
func CallerFrom(c *gin.Context) (domain.Caller, bool) {
	val, exists := c.Get(ContextKeyCaller)
	if !exists {
		return domain.CallerFrom(c.Request.Context())
	}
	caller, ok := val.(domain.Caller)
	return caller, ok
}

// extractToken 从请求中提取JWT token
func extractToken(c *gin.Context) string {
	// 1. 从 Authorization header 提取
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	// 2. 从 cookie 提取
	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}

	return ""
}

// abortWithMessage 以统一响应结构终止请求
func abortWithMessage(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
