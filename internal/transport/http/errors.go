package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"timecapsule/backend/internal/auth"
	"timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/service"
	"timecapsule/backend/internal/storage"
)

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest    = "请求参数格式错误"
	MsgInvalidUnlockDate = "解锁时间格式无效，需为 RFC3339"

	// 认证相关
	MsgAuthRequired       = "需要登录认证"
	MsgInvalidCredentials = "邮箱或密码错误"
	MsgTokenExpired       = "登录已过期，请重新登录"
	MsgTokenInvalid       = "无效的访问令牌"
	MsgPermissionDenied   = "权限不足"
	MsgEmailExists        = "邮箱已被注册"
	MsgUsernameExists     = "用户名已被占用"
	MsgUserNotFound       = "用户不存在"
	MsgTooManyAttempts    = "登录尝试过于频繁，请稍后再试"

	// 胶囊相关
	MsgCapsuleNotFound  = "时间胶囊不存在"
	MsgAccessDenied     = "无权查看该时间胶囊"
	MsgNotCreator       = "只有创建者可以执行该操作"
	MsgStillLocked      = "时间胶囊尚未解锁"
	MsgInvalidState     = "时间胶囊已解锁，不能修改"
	MsgUnknownRecipient = "存在未注册的接收者邮箱"
	MsgStoreUnavailable = "服务暂不可用，请稍后再试"
	MsgRequestTimeout   = "请求处理超时，请稍后再试"
	MsgRequestCanceled  = "请求已取消"
	MsgInternalError    = "服务器内部错误"
	MsgSweepCompleted   = "状态检查完成"
	MsgCapsuleDeleted   = "时间胶囊已删除"
	MsgCapsuleSent      = "时间胶囊已发送"
	MsgCapsuleUnchanged = "未提交任何修改"
)

// errorStatus 业务错误到响应的映射，按顺序匹配
var errorStatus = []struct {
	target  error
	respond func(*gin.Context, string)
	msg     string
}{
	{auth.ErrInvalidCredentials, Unauthorized, MsgInvalidCredentials},
	{jwt.ErrExpiredToken, Unauthorized, MsgTokenExpired},
	{jwt.ErrInvalidToken, Unauthorized, MsgTokenInvalid},
	{auth.ErrEmailExists, Conflict, MsgEmailExists},
	{auth.ErrUsernameExists, Conflict, MsgUsernameExists},
	{auth.ErrUserNotFound, NotFound, MsgUserNotFound},
	{auth.ErrTooManyAttempts, TooManyRequests, MsgTooManyAttempts},

	{service.ErrCapsuleNotFound, NotFound, MsgCapsuleNotFound},
	{service.ErrAccessDenied, Forbidden, MsgAccessDenied},
	{service.ErrForbidden, Forbidden, MsgNotCreator},
	{service.ErrStillLocked, Locked, MsgStillLocked},
	{service.ErrInvalidState, Conflict, MsgInvalidState},
	{service.ErrUnknownRecipient, UnprocessableEntity, MsgUnknownRecipient},
}

// respondError 把业务错误写成统一响应。
// 校验错误返回原始信息，其余错误只返回固定文案，存储细节只写日志。
func respondError(c *gin.Context, log *zap.Logger, err error) {
	if errors.Is(err, auth.ErrValidation) || errors.Is(err, service.ErrValidation) {
		BadRequest(c, err.Error())
		return
	}

	for _, e := range errorStatus {
		if errors.Is(err, e.target) {
			e.respond(c, e.msg)
			return
		}
	}

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("request timed out", fields...)
		GatewayTimeout(c, MsgRequestTimeout)
	case errors.Is(err, context.Canceled):
		log.Info("request canceled", fields...)
		ServiceUnavailable(c, MsgRequestCanceled)
	case errors.Is(err, storage.ErrUnavailable):
		log.Error("store unavailable", fields...)
		ServiceUnavailable(c, MsgStoreUnavailable)
	default:
		log.Error("unhandled error", fields...)
		InternalError(c, MsgInternalError)
	}
}

// bindJSON 绑定请求体，失败时写入响应并返回 false。
// 分块传输超过大小限制时返回 413 而不是参数错误。
func bindJSON(c *gin.Context, obj any) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		PayloadTooLarge(c, fmt.Sprintf("请求体超过 %d 字节限制", tooLarge.Limit))
		return false
	}
	BadRequest(c, MsgInvalidRequest)
	return false
}
