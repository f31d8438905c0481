package credential

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Refresher 用 refresh token 换取新的访问令牌
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuth2Refresher 基于 golang.org/x/oauth2 的刷新实现
type OAuth2Refresher struct {
	cfg *oauth2.Config
	hc  *http.Client
}

// NewOAuth2Refresher 创建刷新器；hc 为空时使用默认客户端
func NewOAuth2Refresher(clientID, clientSecret, tokenURL string, scopes []string, hc *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			Scopes: scopes,
		},
		hc: hc,
	}
}

// Refresh 执行 refresh_token 授权
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.hc)
	}
	// 传入已过期的 token，TokenSource 会立即走刷新分支
	src := r.cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	return src.Token()
}

// isGrantRejected 授权服务器明确拒绝（refresh token 失效/被撤销）
func isGrantRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" {
		return true
	}
	return re.Response != nil &&
		(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
}
