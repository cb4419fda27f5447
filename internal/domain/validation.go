package domain

import (
	"errors"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrPasswordTooShort = errors.New("password too short (min 8 chars)")
	ErrPasswordTooLong  = errors.New("password too long (max 72 bytes)")
	ErrUsernameTooShort = errors.New("username too short (min 3 chars)")
	ErrUsernameTooLong  = errors.New("username too long (max 50 chars)")
	ErrInvalidUsername  = errors.New("invalid username format")
	ErrInvalidMediaURL  = errors.New("invalid media url")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength = 254

	// bcrypt 只使用前 72 字节
	MinPasswordLength = 8
	MaxPasswordLength = 72

	MinUsernameLength = 3
	MaxUsernameLength = 50

	MaxTitleLength = 200
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// 用户名必须以字母开头
	usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
)

// NormalizeEmail 统一邮箱格式（去空白、转小写）
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail 验证邮箱地址
func ValidateEmail(email string) error {
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	// 使用标准库做一次 RFC 5322 解析，排除正则放过的畸形地址
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateUsername 验证用户名
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength {
		return ErrUsernameTooShort
	}
	if len(username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// ValidatePassword 验证密码长度
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// ValidateMediaURL 媒体地址必须是带 scheme 和 host 的绝对 URL
func ValidateMediaURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrInvalidMediaURL
	}
	return nil
}
