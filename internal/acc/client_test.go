package acc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, baseURL string, retries int) *Client {
	t.Helper()
	c, err := NewClient(config.ACCConfig{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
		PageLimit:      2,
		MaxRetries:     retries,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestListIssuesFollowsNextURL(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/construction/issues/v1/projects/P1/issues", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "open", r.URL.Query().Get("filter[status]"))

		var page issuePage
		switch r.URL.Query().Get("offset") {
		case "":
			page.Results = []Issue{{DisplayID: 1}, {DisplayID: 2}}
			page.Pagination.NextURL = "/construction/issues/v1/projects/P1/issues?filter%5Bstatus%5D=open&limit=2&offset=2"
		case "2":
			page.Results = []Issue{{DisplayID: 3}, {DisplayID: 4}}
			page.Pagination.NextURL = srv.URL + "/construction/issues/v1/projects/P1/issues?filter%5Bstatus%5D=open&limit=2&offset=4"
		case "4":
			page.Results = []Issue{{DisplayID: 5}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	issues, err := c.ListIssues(context.Background(), "t1", "b.P1", "tok", url.Values{"filter[status]": {"open"}})
	require.NoError(t, err)

	var ids []int64
	for _, is := range issues {
		ids = append(ids, is.DisplayID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
}

func TestListIssuesRetriesThenClassifiesTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.ListIssues(context.Background(), "t1", "P1", "tok", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestListIssuesForbiddenIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 2).ListIssues(context.Background(), "t1", "P1", "tok", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestIssuesURLKeepsBasePathAndLimit(t *testing.T) {
	c := newTestClient(t, "https://api.example.com/gateway/", 0)
	got := c.IssuesURL("b.abc", url.Values{"filter[dueDate]": {"2024-03-13..2024-03-13"}})

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/gateway/construction/issues/v1/projects/abc/issues", u.Path)
	assert.Equal(t, "2", u.Query().Get("limit"))
	assert.Equal(t, "2024-03-13..2024-03-13", u.Query().Get("filter[dueDate]"))
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(config.ACCConfig{BaseURL: "not a url"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestClientUsesOneLimiterPerTenant(t *testing.T) {
	c := newTestClient(t, "https://api.example.com", 0)
	assert.Same(t, c.forTenant("t1"), c.forTenant("t1"))
	assert.NotSame(t, c.forTenant("t1"), c.forTenant("t2"))
}
