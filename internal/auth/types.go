package auth

import (
	"errors"
	"strings"
)

// Mode 表示认证模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token carries no user id")
	ErrUserMismatch = errors.New("user_id does not match token subject")
)

// Config 描述 JWT 校验参数。
type Config struct {
	Mode     Mode
	Secret   string
	Issuer   string
	Audience string
}

// Subject 是通过认证的调用方。
type Subject struct {
	UserID string
	Role   string
}

// CanActAs 判断主体能否以指定用户身份发起请求。空 userID 表示使用主体自身。
func (s *Subject) CanActAs(userID string) bool {
	if s == nil {
		return false
	}
	userID = strings.TrimSpace(userID)
	return userID == "" || userID == s.UserID || s.Role == "admin"
}
