package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	ok := func(c *gin.Context) { c.Status(http.StatusAccepted) }
	r.POST("/internal/runs/deliver", ok)
	r.GET("/healthz", ok)
	return r
}

func serve(r *gin.Engine, method, target string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, target, nil))
}

func TestMiddlewareCountsRoutedRequests(t *testing.T) {
	r := newTestRouter()
	counter := APIRequestsTotal.WithLabelValues(http.MethodPost, "/internal/runs/deliver", "202")
	before := testutil.ToFloat64(counter)

	serve(r, http.MethodPost, "/internal/runs/deliver")
	serve(r, http.MethodPost, "/internal/runs/deliver")

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestMiddlewareSkipsOpsEndpoints(t *testing.T) {
	r := newTestRouter()
	counter := APIRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "202")
	before := testutil.ToFloat64(counter)

	serve(r, http.MethodGet, "/healthz")

	assert.Equal(t, before, testutil.ToFloat64(counter))
}

func TestMiddlewareCollapsesUnmatchedPaths(t *testing.T) {
	r := newTestRouter()
	counter := APIRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")
	before := testutil.ToFloat64(counter)

	serve(r, http.MethodGet, "/wp-admin/setup.php")
	serve(r, http.MethodGet, "/.env")

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
