package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/dispatch"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/pipeline"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeAggregator struct {
	report *pipeline.RunReport
	err    error
	runID  string
}

func (f *fakeAggregator) Run(ctx context.Context) (*pipeline.RunReport, error) {
	f.runID = logger.RunID(ctx)
	return f.report, f.err
}

type fakeDispatcher struct {
	report *dispatch.DeliveryReport
	err    error
}

func (f *fakeDispatcher) Run(context.Context) (*dispatch.DeliveryReport, error) {
	return f.report, f.err
}

type fakeQueue struct {
	payloads []tasks.RunPayload
	types    []string
	err      error
}

func (q *fakeQueue) EnqueueAggregate(_ context.Context, p tasks.RunPayload) (string, error) {
	return q.add(tasks.TypeAggregate, p)
}

func (q *fakeQueue) EnqueueDeliver(_ context.Context, p tasks.RunPayload) (string, error) {
	return q.add(tasks.TypeDeliver, p)
}

func (q *fakeQueue) add(typ string, p tasks.RunPayload) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.types = append(q.types, typ)
	q.payloads = append(q.payloads, p)
	return fmt.Sprintf("task-%d", len(q.payloads)), nil
}

func (q *fakeQueue) Close() error { return nil }

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:api_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealthAndReadiness(t *testing.T) {
	r := NewRouter(&Deps{DB: setupDB(t), Logger: zaptest.NewLogger(t)})

	w := do(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "connected", resp.Database)
}

func TestReadinessFailsWithoutDatabase(t *testing.T) {
	r := NewRouter(&Deps{Logger: zaptest.NewLogger(t)})
	w := do(r, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewRouter(&Deps{DB: setupDB(t)})
	w := do(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestTriggerAggregateInline(t *testing.T) {
	agg := &fakeAggregator{report: &pipeline.RunReport{
		Tenants: []pipeline.TenantReport{
			{Tenant: "a", Aggregates: 1},
			{Tenant: "b", Err: errors.New("boom")},
		},
	}}
	r := NewRouter(&Deps{DB: setupDB(t), Aggregator: agg, Logger: zaptest.NewLogger(t)})

	w := do(r, http.MethodPost, "/internal/runs/aggregate")
	require.Equal(t, http.StatusOK, w.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, resp.RunID, agg.runID)
	assert.Contains(t, resp.Errors, "boom")
}

func TestTriggerAggregateFatal(t *testing.T) {
	agg := &fakeAggregator{err: errors.New("registry down")}
	r := NewRouter(&Deps{DB: setupDB(t), Aggregator: agg})

	w := do(r, http.MethodPost, "/internal/runs/aggregate")
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTriggerDeliverInline(t *testing.T) {
	disp := &fakeDispatcher{report: &dispatch.DeliveryReport{Since: "2024-03-11"}}
	r := NewRouter(&Deps{DB: setupDB(t), Dispatcher: disp})

	w := do(r, http.MethodPost, "/internal/runs/deliver")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "2024-03-11")
}

func TestTriggerEnqueuesWhenQueueConfigured(t *testing.T) {
	q := &fakeQueue{}
	agg := &fakeAggregator{}
	r := NewRouter(&Deps{DB: setupDB(t), Queue: q, Aggregator: agg})

	w := do(r, http.MethodPost, "/internal/runs/aggregate")
	require.Equal(t, http.StatusAccepted, w.Code)
	w = do(r, http.MethodPost, "/internal/runs/deliver")
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Equal(t, []string{tasks.TypeAggregate, tasks.TypeDeliver}, q.types)
	assert.Equal(t, "api", q.payloads[0].Trigger)
	assert.NotEmpty(t, q.payloads[0].RunID)
	assert.Empty(t, agg.runID, "inline runner must not be called")

	q.err = errors.New("redis down")
	w = do(r, http.MethodPost, "/internal/runs/deliver")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTriggerUsesRequestIDAsRunID(t *testing.T) {
	agg := &fakeAggregator{report: &pipeline.RunReport{}}
	r := NewRouter(&Deps{DB: setupDB(t), Aggregator: agg})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/runs/aggregate", nil)
	req.Header.Set(HeaderRequestID, "manual-7")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "manual-7", agg.runID)
	assert.Equal(t, "manual-7", w.Header().Get(HeaderRequestID))
}
