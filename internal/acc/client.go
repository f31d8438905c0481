// Package acc 外部项目管理 API（issues）客户端与工作流匹配
package acc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/config"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/pkg/httputil"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrTransient 网络错误、限流或服务端错误（重试耗尽后）
var ErrTransient = errors.New("acc: transient api error")

// maxPages 单次查询的分页上限，防止游标异常时死循环
const maxPages = 500

// Issue 外部 API 返回的问题条目（仅保留匹配所需字段）
type Issue struct {
	ID        string `json:"id"`
	DisplayID int64  `json:"displayId"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	DueDate   string `json:"dueDate"`
}

// Pagination 分页信息，nextUrl 可能是绝对或相对地址
type Pagination struct {
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
	TotalResults int    `json:"totalResults"`
	NextURL      string `json:"nextUrl"`
}

type issuePage struct {
	Pagination Pagination `json:"pagination"`
	Results    []Issue    `json:"results"`
}

// Client 外部 API 客户端；每个租户一个限速器，互不影响
type Client struct {
	base      *url.URL
	pageLimit int
	opts      []httputil.ClientOption
	rps       rate.Limit
	burst     int
	log       *zap.Logger

	mu      sync.Mutex
	clients map[string]*httputil.Client
}

// NewClient 创建外部 API 客户端
func NewClient(cfg config.ACCConfig, log *zap.Logger, opts ...httputil.ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("acc: invalid base_url %q", cfg.BaseURL)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.PageLimit
	if limit <= 0 {
		limit = 100
	}
	rps := rate.Inf
	if cfg.RatePerSecond > 0 {
		rps = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	base.Path = strings.TrimRight(base.Path, "/")
	all := append([]httputil.ClientOption{
		httputil.WithTimeout(timeout),
		httputil.WithRetries(cfg.MaxRetries),
	}, opts...)
	return &Client{
		base:      base,
		pageLimit: limit,
		opts:      all,
		rps:       rps,
		burst:     burst,
		log:       log.Named("acc"),
		clients:   make(map[string]*httputil.Client),
	}, nil
}

// forTenant 租户独立的 HTTP 客户端（共享配置，独立限速）
func (c *Client) forTenant(tenantID string) *httputil.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	hc, ok := c.clients[tenantID]
	if !ok {
		opts := append([]httputil.ClientOption{}, c.opts...)
		opts = append(opts, httputil.WithLimiter(rate.NewLimiter(c.rps, c.burst)))
		hc = httputil.NewClient(opts...)
		c.clients[tenantID] = hc
	}
	return hc
}

// IssuesURL 项目问题列表地址；项目 ID 的 "b." 前缀会被去掉
func (c *Client) IssuesURL(projectID string, params url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/construction/issues/v1/projects/" + url.PathEscape(strings.TrimPrefix(projectID, "b.")) + "/issues"
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	if q.Get("limit") == "" {
		q.Set("limit", strconv.Itoa(c.pageLimit))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ListIssues 按查询参数拉取项目全部分页的问题
func (c *Client) ListIssues(ctx context.Context, tenantID, projectID, token string, params url.Values) ([]Issue, error) {
	hc := c.forTenant(tenantID)
	headers := http.Header{"Authorization": []string{"Bearer " + token}}

	next := c.IssuesURL(projectID, params)
	var all []Issue
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return all, fmt.Errorf("acc: pagination exceeded %d pages", maxPages)
		}

		var body issuePage
		if err := hc.GetJSON(ctx, next, headers, &body); err != nil {
			return all, classify(err)
		}
		all = append(all, body.Results...)

		resolved, err := c.resolveNext(next, body.Pagination.NextURL)
		if err != nil {
			return all, err
		}
		next = resolved
	}
	return all, nil
}

// resolveNext 将 nextUrl 解析为绝对地址；空表示已到最后一页
func (c *Client) resolveNext(current, next string) (string, error) {
	if next == "" {
		return "", nil
	}
	cur, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("acc: invalid nextUrl %q: %w", next, err)
	}
	resolved := cur.ResolveReference(ref).String()
	if resolved == current {
		return "", nil
	}
	return resolved, nil
}

func classify(err error) error {
	var se *httputil.StatusError
	if errors.As(err, &se) {
		if se.Retryable() {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
