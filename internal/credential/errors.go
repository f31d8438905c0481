package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth 凭证缺失、过期或无法刷新，调用方必须要求用户重新授权，不重试
	ErrAuth = errors.New("credential: re-authentication required")
	// ErrNotFound 凭证记录不存在
	ErrNotFound = errors.New("credential: not found")
	// ErrVersionConflict 条件更新时版本号已变化（并发刷新）
	ErrVersionConflict = errors.New("credential: version conflict")
)

// AuthError 携带用户与租户信息的认证错误，errors.Is(err, ErrAuth) 成立
type AuthError struct {
	UserID string
	Tenant string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("credential: user %s in tenant %s must re-authenticate: %s", e.UserID, e.Tenant, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
