package httputil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestNewClient 测试创建基础客户端
func TestNewClient(t *testing.T) {
	client := NewClient()
	if client.timeout != 30*time.Second {
		t.Errorf("默认超时时间应为30秒，实际为 %v", client.timeout)
	}
	if client.headers["User-Agent"] != "accaddons-escalation/1.0" {
		t.Errorf("默认User-Agent不正确: %s", client.headers["User-Agent"])
	}

	customClient := NewClient(
		WithTimeout(10*time.Second),
		WithHeaders(map[string]string{"X-Custom": "value"}),
		WithRetries(3),
	)
	if customClient.timeout != 10*time.Second {
		t.Errorf("自定义超时时间应为10秒，实际为 %v", customClient.timeout)
	}
	if customClient.headers["X-Custom"] != "value" {
		t.Errorf("自定义头未设置")
	}
	if customClient.retries != 3 {
		t.Errorf("重试次数应为3，实际为 %d", customClient.retries)
	}
}

// TestClientGetJSON 测试GetJSON方法
func TestClientGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("期望GET请求，实际为 %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization 头未透传: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	var result map[string]string
	headers := http.Header{"Authorization": []string{"Bearer tok"}}
	if err := NewClient().GetJSON(context.Background(), server.URL, headers, &result); err != nil {
		t.Fatalf("GetJSON() 错误: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("期望 status='ok'，实际为 '%s'", result["status"])
	}
}

// TestClientPostJSON 测试PostJSON方法
func TestClientPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "test" {
			t.Errorf("请求体不正确: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "123"})
	}))
	defer server.Close()

	var result map[string]string
	err := NewClient().PostJSON(context.Background(), server.URL, nil, map[string]string{"name": "test"}, &result)
	if err != nil {
		t.Fatalf("PostJSON() 错误: %v", err)
	}
	if result["id"] != "123" {
		t.Errorf("期望 id='123'，实际为 '%s'", result["id"])
	}
}

// TestClientRetriesHonorRetryAfter 429 时按 Retry-After 等待后重试，且 POST 体被重放
func TestClientRetriesHonorRetryAfter(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"n":1}` {
			t.Errorf("第 %d 次请求体不正确: %s", atomic.LoadInt32(&hits)+1, body)
		}
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var waits []time.Duration
	client := NewClient(WithRetries(2))
	client.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if err := client.PostJSON(context.Background(), server.URL, nil, map[string]int{"n": 1}, nil); err != nil {
		t.Fatalf("PostJSON() 错误: %v", err)
	}
	if hits != 2 {
		t.Errorf("期望请求2次，实际为 %d", hits)
	}
	if len(waits) != 1 || waits[0] != 7*time.Second {
		t.Errorf("期望等待 7s，实际为 %v", waits)
	}
}

// TestClientGivesUpAfterRetries 重试耗尽后返回 StatusError
func TestClientGivesUpAfterRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var waits []time.Duration
	client := NewClient(WithRetries(2), WithBackoff(100*time.Millisecond, time.Second))
	client.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	err := client.GetJSON(context.Background(), server.URL, nil, nil)
	if !IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("期望 502 StatusError，实际为 %v", err)
	}
	if hits != 3 {
		t.Errorf("期望请求3次，实际为 %d", hits)
	}
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Errorf("指数退避不正确: %v", waits)
	}
}

// TestClientDoesNotRetryClientErrors 4xx（非429）不重试
func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewClient(WithRetries(3)).GetJSON(context.Background(), server.URL, nil, nil)
	if !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("期望 403 StatusError，实际为 %v", err)
	}
	if hits != 1 {
		t.Errorf("期望请求1次，实际为 %d", hits)
	}
}

// TestRetryAfterParsing 测试 Retry-After 解析
func TestRetryAfterParsing(t *testing.T) {
	now := time.Date(2024, 3, 13, 6, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"3", 3 * time.Second, true},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, ok := retryAfter(tt.in, now)
		if got != tt.want || ok != tt.ok {
			t.Errorf("retryAfter(%q) = %v,%v 期望 %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// TestClientContextCancel 取消上下文时立即返回
func TestClientContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(WithRetries(5))
	client.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := client.GetJSON(ctx, server.URL, nil, nil); err == nil {
		t.Fatal("期望返回错误")
	}
}
