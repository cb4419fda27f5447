package service

import "errors"

var (
	// ErrValidation 请求参数缺失或非法
	ErrValidation = errors.New("validation failed")
	// ErrCapsuleNotFound 胶囊不存在
	ErrCapsuleNotFound = errors.New("capsule not found")
	// ErrAccessDenied 调用者无权查看该胶囊
	ErrAccessDenied = errors.New("access denied")
	// ErrForbidden 只有创建者可以执行该操作
	ErrForbidden = errors.New("only the creator can perform this action")
	// ErrStillLocked 胶囊尚未到达解锁时间
	ErrStillLocked = errors.New("capsule is still locked")
	// ErrInvalidState 胶囊已解锁，不能再修改或删除
	ErrInvalidState = errors.New("capsule is no longer locked")
	// ErrUnknownRecipient 至少一个接收者邮箱没有对应用户
	ErrUnknownRecipient = errors.New("one or more recipient emails are not registered")
)
