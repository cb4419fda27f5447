package domain

import "context"

// Caller 是经过认证的请求调用者身份
type Caller struct {
	UserID string
	Role   UserRole
}

// IsAdmin 判断调用者是否为管理员
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type callerKey struct{}

// WithCaller 将调用者身份写入上下文
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom 从上下文读取调用者身份
func CallerFrom(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)
	if !ok || caller.UserID == "" {
		return Caller{}, false
	}
	return caller, true
}
