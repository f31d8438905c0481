package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"

	"github.com/benbjohnson/clock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/gorm"
)

type singleStore struct{ db *gorm.DB }

func (s singleStore) DB(*tenant.Tenant) (*gorm.DB, error) { return s.db, nil }

var acme = &tenant.Tenant{ID: "t1", Name: "acme", Status: tenant.StatusActive}

func setupStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:credential_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Credential{}))
	return NewStore(singleStore{db}), db
}

// tokenServer 模拟 OAuth 令牌端点
func tokenServer(t *testing.T, status int, body map[string]any) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func okToken(access string) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": "refresh-2",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
}

func newManager(t *testing.T, store Store, tokenURL string, clk clock.Clock) *Manager {
	refresher := NewOAuth2Refresher("cid", "secret", tokenURL, nil, nil)
	return NewManager(store, refresher, nil, clk, 5*time.Minute, zaptest.NewLogger(t))
}

func mockNow() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Now())
	return clk
}

func TestGetValidAccessTokenReturnsStoredToken(t *testing.T) {
	store, db := setupStore(t)
	clk := mockNow()
	require.NoError(t, db.Create(&Credential{
		ExternalUserID: "u1",
		AccessToken:    "still-good",
		RefreshToken:   "refresh-1",
		ExpiresAt:      clk.Now().Add(30 * time.Minute),
		Status:         StatusActive,
	}).Error)

	srv, hits := tokenServer(t, http.StatusOK, okToken("new"))
	m := newManager(t, store, srv.URL, clk)

	tok, err := m.GetValidAccessToken(context.Background(), "u1", acme)
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok)
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestGetValidAccessTokenRefreshesInsideBuffer(t *testing.T) {
	store, db := setupStore(t)
	clk := mockNow()
	require.NoError(t, db.Create(&Credential{
		ExternalUserID: "u1",
		AccessToken:    "stale",
		RefreshToken:   "refresh-1",
		ExpiresAt:      clk.Now().Add(2 * time.Minute),
		Status:         StatusActive,
	}).Error)

	srv, hits := tokenServer(t, http.StatusOK, okToken("fresh"))
	m := newManager(t, store, srv.URL, clk)

	tok, err := m.GetValidAccessToken(context.Background(), "u1", acme)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))

	saved, err := store.Get(context.Background(), acme, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "refresh-2", saved.RefreshToken)
	assert.EqualValues(t, 1, saved.Version)
	assert.True(t, saved.ExpiresAt.After(clk.Now().Add(50*time.Minute)))
}

func TestGetValidAccessTokenExpiredWithoutRefreshToken(t *testing.T) {
	store, db := setupStore(t)
	clk := mockNow()
	require.NoError(t, db.Create(&Credential{
		ExternalUserID: "u1",
		AccessToken:    "dead",
		ExpiresAt:      clk.Now().Add(-time.Minute),
		Status:         StatusActive,
	}).Error)

	m := newManager(t, store, "http://127.0.0.1:0/unused", clk)

	_, err := m.GetValidAccessToken(context.Background(), "u1", acme)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)

	saved, err := store.Get(context.Background(), acme, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusReauthRequired, saved.Status)

	// 已标记的凭证后续直接失败
	_, err = m.GetValidAccessToken(context.Background(), "u1", acme)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestGetValidAccessTokenRejectedRefresh(t *testing.T) {
	store, db := setupStore(t)
	clk := mockNow()
	require.NoError(t, db.Create(&Credential{
		ExternalUserID: "u1",
		AccessToken:    "dead",
		RefreshToken:   "revoked",
		ExpiresAt:      clk.Now().Add(-time.Hour),
		Status:         StatusActive,
	}).Error)

	srv, _ := tokenServer(t, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	m := newManager(t, store, srv.URL, clk)

	_, err := m.GetValidAccessToken(context.Background(), "u1", acme)
	assert.ErrorIs(t, err, ErrAuth)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "u1", authErr.UserID)
	assert.Equal(t, "acme", authErr.Tenant)
}

func TestGetValidAccessTokenMissingCredential(t *testing.T) {
	store, _ := setupStore(t)
	m := newManager(t, store, "http://127.0.0.1:0/unused", mockNow())

	_, err := m.GetValidAccessToken(context.Background(), "ghost", acme)
	assert.ErrorIs(t, err, ErrAuth)
}

// racingStore 在第一次条件更新前模拟另一实例抢先写入
type racingStore struct {
	Store
	raced bool
}

func (r *racingStore) CompareAndSwap(ctx context.Context, t *tenant.Tenant, cred *Credential, v int64) error {
	if !r.raced {
		r.raced = true
		other := *cred
		other.AccessToken = "from-other-instance"
		if err := r.Store.CompareAndSwap(ctx, t, &other, v); err != nil {
			return err
		}
	}
	return r.Store.CompareAndSwap(ctx, t, cred, v)
}

func TestGetValidAccessTokenVersionConflictUsesWinner(t *testing.T) {
	base, db := setupStore(t)
	clk := mockNow()
	require.NoError(t, db.Create(&Credential{
		ExternalUserID: "u1",
		AccessToken:    "stale",
		RefreshToken:   "refresh-1",
		ExpiresAt:      clk.Now().Add(-time.Minute),
		Status:         StatusActive,
	}).Error)

	srv, _ := tokenServer(t, http.StatusOK, okToken("mine"))
	m := newManager(t, &racingStore{Store: base}, srv.URL, clk)

	tok, err := m.GetValidAccessToken(context.Background(), "u1", acme)
	require.NoError(t, err)
	assert.Equal(t, "from-other-instance", tok)

	saved, err := base.Get(context.Background(), acme, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, saved.Version)
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	store, db := setupStore(t)
	require.NoError(t, db.Create(&Credential{
		ExternalUserID: "u1",
		AccessToken:    "a",
		ExpiresAt:      time.Now().Add(time.Hour),
		Status:         StatusActive,
		Version:        3,
	}).Error)

	cred := &Credential{ExternalUserID: "u1", AccessToken: "b", ExpiresAt: time.Now(), Status: StatusActive}
	assert.ErrorIs(t, store.CompareAndSwap(context.Background(), acme, cred, 2), ErrVersionConflict)
	require.NoError(t, store.CompareAndSwap(context.Background(), acme, cred, 3))
	assert.EqualValues(t, 4, cred.Version)
}

func TestTwoLeggedTokenIsCached(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK, okToken("app-token"))
	clk := mockNow()
	src := NewTwoLeggedSource(clientcredentials.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
		Scopes:       []string{"data:read"},
	}, NewMemoryTokenCache(clk), clk, 5*time.Minute, nil)

	store, _ := setupStore(t)
	m := NewManager(store, nil, src, clk, 5*time.Minute, zaptest.NewLogger(t))
	twoLegged := &tenant.Tenant{ID: "t2", Name: "beta", TwoLegged: true}

	for i := 0; i < 3; i++ {
		tok, err := m.TokenFor(context.Background(), twoLegged, "ignored")
		require.NoError(t, err)
		assert.Equal(t, "app-token", tok)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))

	// 缓存过期后重新获取
	clk.Add(time.Hour)
	_, err := m.TokenFor(context.Background(), twoLegged, "ignored")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(hits))
}

func TestTokenForTwoLeggedWithoutSource(t *testing.T) {
	store, _ := setupStore(t)
	m := NewManager(store, nil, nil, mockNow(), 0, zaptest.NewLogger(t))
	_, err := m.TokenFor(context.Background(), &tenant.Tenant{Name: "beta", TwoLegged: true}, "u1")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestTwoLeggedSourceDefaultsExpiryBuffer(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK, okToken("fresh-app-token"))
	clk := mockNow()
	cache := NewMemoryTokenCache(clk)
	src := NewTwoLeggedSource(clientcredentials.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	}, cache, clk, 0, nil)
	assert.Equal(t, DefaultExpiryBuffer, src.buffer)

	// 缓存中的令牌只剩 2 分钟，落在默认 buffer 内，必须重新获取
	require.NoError(t, cache.Set(context.Background(), src.key, &oauth2.Token{
		AccessToken: "almost-expired",
		Expiry:      clk.Now().Add(2 * time.Minute),
	}, time.Hour))

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-app-token", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}
