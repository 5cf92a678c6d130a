package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	assert.Contains(t, body, `ledgerdesk_http_requests_total{code="418",route="/test"} 1`)
	assert.Contains(t, body, `ledgerdesk_http_request_duration_seconds_bucket{route="/test"`)
}

func TestContextAndDirectoryMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveContextTransition("select_company", "complete", nil)
	metrics.ObserveContextTransition("select_company", "empty", errors.New("no period"))
	metrics.ObserveDirectoryQuery("list_fiscal_periods", 20*time.Millisecond, nil)
	metrics.ObserveJob("audit:context.established", nil)

	body := scrape(t, metrics)
	assert.Contains(t, body, `ledgerdesk_context_transitions_total{op="select_company",outcome="ok",to="complete"} 1`)
	assert.Contains(t, body, `ledgerdesk_context_transitions_total{op="select_company",outcome="error",to="empty"} 1`)
	assert.Contains(t, body, `ledgerdesk_directory_query_duration_seconds_count{op="list_fiscal_periods",outcome="ok"} 1`)
	assert.Contains(t, body, `ledgerdesk_jobs_total{outcome="ok",task="audit:context.established"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveContextTransition("clear", "empty", nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, metrics.Middleware(next))

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
