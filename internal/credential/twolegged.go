package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenCache 应用级令牌缓存
type TokenCache interface {
	Get(ctx context.Context, key string) (*oauth2.Token, bool, error)
	Set(ctx context.Context, key string, tok *oauth2.Token, ttl time.Duration) error
}

// RedisTokenCache 多实例共享的 redis 缓存
type RedisTokenCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisTokenCache 创建 redis 令牌缓存
func NewRedisTokenCache(rdb redis.UniversalClient) *RedisTokenCache {
	return &RedisTokenCache{rdb: rdb, prefix: "escalation:token:"}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (*oauth2.Token, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, false, nil
	}
	return &tok, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key string, tok *oauth2.Token, ttl time.Duration) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+key, raw, ttl).Err()
}

// MemoryTokenCache 进程内缓存，未配置 redis 时使用
type MemoryTokenCache struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	tok      *oauth2.Token
	deadline time.Time
}

// NewMemoryTokenCache 创建进程内令牌缓存
func NewMemoryTokenCache(clk clock.Clock) *MemoryTokenCache {
	return &MemoryTokenCache{clk: clk, entries: make(map[string]memoryEntry)}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (*oauth2.Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.clk.Now().Before(e.deadline) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.tok, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key string, tok *oauth2.Token, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{tok: tok, deadline: c.clk.Now().Add(ttl)}
	return nil
}

// TwoLeggedSource client_credentials 令牌来源，带缓存
type TwoLeggedSource struct {
	cfg    clientcredentials.Config
	cache  TokenCache
	clk    clock.Clock
	buffer time.Duration
	hc     *http.Client
	key    string
}

// NewTwoLeggedSource 创建应用级令牌来源；buffer <= 0 时使用 DefaultExpiryBuffer
func NewTwoLeggedSource(cfg clientcredentials.Config, cache TokenCache, clk clock.Clock, buffer time.Duration, hc *http.Client) *TwoLeggedSource {
	if cfg.AuthStyle == oauth2.AuthStyleAutoDetect {
		cfg.AuthStyle = oauth2.AuthStyleInHeader
	}
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	if clk == nil {
		clk = clock.New()
	}
	sum := sha256.Sum256([]byte(cfg.ClientID + "|" + strings.Join(cfg.Scopes, " ")))
	return &TwoLeggedSource{
		cfg:    cfg,
		cache:  cache,
		clk:    clk,
		buffer: buffer,
		hc:     hc,
		key:    "2legged:" + hex.EncodeToString(sum[:8]),
	}
}

// Token 返回剩余有效期不少于 buffer 的应用令牌
func (s *TwoLeggedSource) Token(ctx context.Context) (string, error) {
	if tok, ok, err := s.cache.Get(ctx, s.key); err == nil && ok {
		if tok.Expiry.Sub(s.clk.Now()) >= s.buffer {
			return tok.AccessToken, nil
		}
	}

	if s.hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.hc)
	}
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		if isGrantRejected(err) {
			return "", &AuthError{UserID: "app", Reason: "client credentials rejected", Err: err}
		}
		return "", fmt.Errorf("获取应用令牌失败: %w", err)
	}

	if ttl := tok.Expiry.Sub(s.clk.Now()) - s.buffer; ttl > 0 {
		_ = s.cache.Set(ctx, s.key, tok, ttl)
	}
	return tok.AccessToken, nil
}
