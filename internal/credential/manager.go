package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultExpiryBuffer 令牌剩余有效期低于该值即刷新
const DefaultExpiryBuffer = 5 * time.Minute

// AppTokenSource 应用级（2-legged）令牌来源
type AppTokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Manager 凭证管理器：返回可用访问令牌，必要时刷新并持久化
type Manager struct {
	store     Store
	refresher Refresher
	app       AppTokenSource
	clk       clock.Clock
	buffer    time.Duration
	group     singleflight.Group
	log       *zap.Logger
}

// NewManager 创建凭证管理器；app 可为空（不支持 2-legged 租户）
func NewManager(store Store, refresher Refresher, app AppTokenSource, clk clock.Clock, buffer time.Duration, log *zap.Logger) *Manager {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		app:       app,
		clk:       clk,
		buffer:    buffer,
		log:       log.Named("credential"),
	}
}

// TokenFor 按租户认证方式选择令牌：2-legged 租户用应用令牌，否则用 owner 的用户令牌
func (m *Manager) TokenFor(ctx context.Context, t *tenant.Tenant, ownerUserID string) (string, error) {
	if t.TwoLegged {
		return m.TwoLeggedToken(ctx, t)
	}
	return m.GetValidAccessToken(ctx, ownerUserID, t)
}

// TwoLeggedToken 返回应用级令牌
func (m *Manager) TwoLeggedToken(ctx context.Context, t *tenant.Tenant) (string, error) {
	if m.app == nil {
		return "", &AuthError{UserID: "app", Tenant: t.Name, Reason: "two-legged auth not configured"}
	}
	tok, err := m.app.Token(ctx)
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Tenant == "" {
		authErr.Tenant = t.Name
	}
	return tok, err
}

// GetValidAccessToken 返回 userID 在租户内剩余有效期不少于 buffer 的访问令牌
//
// 令牌即将过期且存在 refresh token 时刷新并写回；已过期且无 refresh token 时返回 AuthError。
// 同一进程内对同一用户的并发刷新合并为一次，跨进程并发由版本号条件更新保证只有一次写入生效。
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string, t *tenant.Tenant) (string, error) {
	cred, err := m.store.Get(ctx, t, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", &AuthError{UserID: userID, Tenant: t.Name, Reason: "no stored credential"}
		}
		return "", err
	}
	if cred.Status == StatusReauthRequired {
		return "", &AuthError{UserID: userID, Tenant: t.Name, Reason: "credential flagged for re-authentication"}
	}

	now := m.clk.Now()
	if cred.ValidFor(now, m.buffer) {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" {
		if cred.ValidFor(now, 0) {
			return cred.AccessToken, nil
		}
		m.flagReauth(ctx, t, userID)
		return "", &AuthError{UserID: userID, Tenant: t.Name, Reason: "token expired and no refresh token"}
	}

	v, err, _ := m.group.Do(t.ID+"/"+userID, func() (interface{}, error) {
		return m.refresh(ctx, t, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, t *tenant.Tenant, cred *Credential) (string, error) {
	log := logger.FromContext(ctx, m.log).With(zap.String("user_id", cred.ExternalUserID))

	tok, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if isGrantRejected(err) {
			m.flagReauth(ctx, t, cred.ExternalUserID)
			return "", &AuthError{UserID: cred.ExternalUserID, Tenant: t.Name, Reason: "refresh token rejected", Err: err}
		}
		log.Warn("刷新令牌失败", logger.Category(logger.CategoryTransientAPI), zap.Error(err))
		if cred.ValidFor(m.clk.Now(), 0) {
			return cred.AccessToken, nil
		}
		return "", fmt.Errorf("刷新令牌失败: %w", err)
	}

	updated := *cred
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.ExpiresAt = tok.Expiry
	if updated.ExpiresAt.IsZero() {
		updated.ExpiresAt = m.clk.Now().Add(time.Hour)
	}
	updated.Status = StatusActive

	err = m.store.CompareAndSwap(ctx, t, &updated, cred.Version)
	if errors.Is(err, ErrVersionConflict) {
		// 其它实例已先完成刷新，读取其结果
		latest, getErr := m.store.Get(ctx, t, cred.ExternalUserID)
		if getErr != nil {
			return "", getErr
		}
		if latest.ValidFor(m.clk.Now(), 0) {
			log.Debug("并发刷新冲突，使用已写入的令牌", zap.Int64("version", latest.Version))
			return latest.AccessToken, nil
		}
		return "", fmt.Errorf("刷新令牌后写回冲突: %w", err)
	}
	if err != nil {
		return "", err
	}

	log.Info("访问令牌已刷新", zap.Time("expires_at", updated.ExpiresAt), zap.Int64("version", updated.Version))
	return updated.AccessToken, nil
}

func (m *Manager) flagReauth(ctx context.Context, t *tenant.Tenant, userID string) {
	if err := m.store.SetStatus(ctx, t, userID, StatusReauthRequired); err != nil {
		m.log.Warn("标记重新授权失败", zap.String("user_id", userID), zap.Error(err))
	}
}
