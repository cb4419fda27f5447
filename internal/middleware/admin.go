package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminAuth 管理员权限中间件，必须挂在 RequireAuth 之后
type AdminAuth struct {
	log *zap.Logger
}

// NewAdminAuth 创建管理员权限中间件
func NewAdminAuth(log *zap.Logger) *AdminAuth {
	return &AdminAuth{log: log}
}

// RequireAdmin 要求令牌中的角色为 admin
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			abortWithMessage(c, http.StatusUnauthorized, "需要登录认证")
			return
		}

		if !caller.IsAdmin() {
			a.log.Warn("admin access denied",
				zap.String("user_id", caller.UserID),
				zap.String("path", c.FullPath()),
			)
			abortWithMessage(c, http.StatusForbidden, "需要管理员权限")
			return
		}

		c.Next()
	}
}
