package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/breaker"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/mocks"
	"github.com/Harvey-AU/stealth-bee/internal/scheduler"
	"github.com/Harvey-AU/stealth-bee/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticWorkers []worker.Status

func (s staticWorkers) Statuses() []worker.Status { return s }

func newTestServer(t *testing.T, gw *mocks.MockGateway, workers WorkerStatuses) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(gw, workers, nil).SetupRoutes(mux)
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeSuccess(t *testing.T, rec *httptest.ResponseRecorder, data any) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "success", envelope.Status)
	if data != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
}

func TestHealthCheckHandler(t *testing.T) {
	mux := newTestServer(t, new(mocks.MockGateway), nil)

	rec := serve(mux, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stealth-bee", body.Service)
	assert.Equal(t, Version, body.Version)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(mux, http.MethodPost, "/health", "").Code)
}

func TestDatabaseHealthCheckNoDatabase(t *testing.T) {
	mux := newTestServer(t, new(mocks.MockGateway), nil)

	rec := serve(mux, http.MethodGet, "/health/db", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database connection not configured")
}

func TestFetchHandler(t *testing.T) {
	okResult := &fetch.Result{
		URL:        "https://shop.example/p/1",
		Site:       "shop",
		Success:    true,
		StatusCode: 200,
		Body:       []byte("<html>product</html>"),
		Strategy:   fetch.StrategyImpersonation,
		Attempts:   []fetch.Attempt{{Strategy: fetch.StrategyImpersonation, Outcome: fetch.OutcomeSuccess}},
	}
	exhaustedResult := &fetch.Result{
		URL:      "https://shop.example/p/2",
		Site:     "shop",
		Attempts: []fetch.Attempt{{Strategy: fetch.StrategyBrowser, Outcome: fetch.OutcomeBlock, Error: "captcha"}},
	}

	tests := []struct {
		name       string
		body       string
		result     *fetch.Result
		err        error
		wantStatus int
		wantCode   ErrorCode
		check      func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:       "success_without_body",
			body:       `{"url":"https://shop.example/p/1","site":"shop"}`,
			result:     okResult,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var data map[string]any
				decodeSuccess(t, rec, &data)
				assert.Equal(t, "shop", data["site"])
				assert.Equal(t, string(fetch.StrategyImpersonation), data["strategy"])
				assert.NotContains(t, data, "body")
			},
		},
		{
			name:       "success_with_body",
			body:       `{"url":"https://shop.example/p/1","site":"shop","include_body":true}`,
			result:     okResult,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var data map[string]any
				decodeSuccess(t, rec, &data)
				assert.Equal(t, "<html>product</html>", data["body"])
			},
		},
		{
			name:       "circuit_open",
			body:       `{"url":"https://shop.example/p/1","site":"shop"}`,
			result:     &fetch.Result{Site: "shop"},
			err:        &fetch.CircuitOpenError{Worker: "shop", Errors: 10, OpenedAt: time.Now()},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrCodeCircuitOpen,
		},
		{
			name:       "strategies_exhausted",
			body:       `{"url":"https://shop.example/p/2","site":"shop"}`,
			result:     exhaustedResult,
			err:        fetch.NewStrategyExhaustedError("shop", "https://shop.example/p/2", exhaustedResult.Attempts, 5*time.Minute),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodeStrategyExhausted,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "300", rec.Header().Get("Retry-After"))
				resp := decodeError(t, rec)
				data, ok := resp.Data.(map[string]any)
				require.True(t, ok)
				assert.Len(t, data["attempts"], 1)
			},
		},
		{
			name:       "timeout",
			body:       `{"url":"https://shop.example/p/1","site":"shop","timeout_ms":10}`,
			err:        fetch.NewNetworkError("get", "https://shop.example/p/1", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   ErrCodeTimeout,
		},
		{
			name:       "unexpected_error",
			body:       `{"url":"https://shop.example/p/1","site":"shop"}`,
			err:        errors.New("scheduler stopped"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(mocks.MockGateway)
			if tt.result != nil {
				gw.On("Fetch", mock.Anything, mock.Anything, "shop", 0, mock.Anything, mock.Anything).Return(tt.result, tt.err).Once()
			} else {
				gw.On("Fetch", mock.Anything, mock.Anything, "shop", 0, mock.Anything, mock.Anything).Return(nil, tt.err).Once()
			}

			rec := serve(newTestServer(t, gw, nil), http.MethodPost, "/v1/fetch", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, string(tt.wantCode), decodeError(t, rec).Code)
			}
			if tt.check != nil {
				tt.check(t, rec)
			}
			gw.AssertExpectations(t)
		})
	}
}

func TestFetchHandlerPassesOptions(t *testing.T) {
	gw := new(mocks.MockGateway)
	gw.On("Fetch", mock.Anything, "https://shop.example/search", "shop", 2, 1500*time.Millisecond,
		mock.MatchedBy(func(o fetch.Options) bool {
			return o.Method == "POST" && o.Headers["Accept"] == "application/json" &&
				string(o.Body) == "q=bee" && o.WaitSelector == ".results"
		})).Return(&fetch.Result{Site: "shop", Success: true}, nil).Once()

	rec := serve(newTestServer(t, gw, nil), http.MethodPost, "/v1/fetch",
		`{"url":"https://shop.example/search","site":"shop","priority":2,"timeout_ms":1500,"method":"post","headers":{"Accept":"application/json"},"body":"q=bee","wait_selector":".results"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	gw.AssertExpectations(t)
}

func TestFetchHandlerValidation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong_method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid_json", http.MethodPost, `{"url":`, http.StatusBadRequest},
		{"missing_url", http.MethodPost, `{"site":"shop"}`, http.StatusBadRequest},
		{"non_http_url", http.MethodPost, `{"url":"ftp://shop.example","site":"shop"}`, http.StatusBadRequest},
		{"missing_site", http.MethodPost, `{"url":"https://shop.example"}`, http.StatusBadRequest},
		{"negative_timeout", http.MethodPost, `{"url":"https://shop.example","site":"shop","timeout_ms":-1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(mocks.MockGateway)
			rec := serve(newTestServer(t, gw, nil), tt.method, "/v1/fetch", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			gw.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestOutcomeHandler(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		setup  func(gw *mocks.MockGateway)
		status int
	}{
		{
			name: "success",
			body: `{"site":"shop","outcome":"success","latency_ms":250,"strategy":"browser"}`,
			setup: func(gw *mocks.MockGateway) {
				gw.On("RecordSuccess", "shop", 250*time.Millisecond, fetch.StrategyBrowser).Once()
			},
			status: http.StatusAccepted,
		},
		{
			name: "failure_default_reason",
			body: `{"site":"shop","outcome":"failure"}`,
			setup: func(gw *mocks.MockGateway) {
				gw.On("RecordFailure", "shop", errors.New("reported failure"), fetch.Strategy("")).Once()
			},
			status: http.StatusAccepted,
		},
		{
			name: "block",
			body: `{"site":"shop","outcome":"BLOCK","reason":"captcha page"}`,
			setup: func(gw *mocks.MockGateway) {
				gw.On("RecordBlock", "shop", "captcha page", fetch.Strategy("")).Once()
			},
			status: http.StatusAccepted,
		},
		{name: "unknown_outcome", body: `{"site":"shop","outcome":"maybe"}`, status: http.StatusBadRequest},
		{name: "missing_site", body: `{"outcome":"success"}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(mocks.MockGateway)
			if tt.setup != nil {
				tt.setup(gw)
			}
			rec := serve(newTestServer(t, gw, nil), http.MethodPost, "/v1/outcomes", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			gw.AssertExpectations(t)
		})
	}
}

func TestReadOnlyJSONEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		target string
		setup  func(gw *mocks.MockGateway)
		want   string
	}{
		{
			name:   "site_health",
			target: "/v1/health?site=shop",
			setup:  func(gw *mocks.MockGateway) { gw.On("HealthSummaryJSON", "shop").Return([]byte(`{"site":"shop"}`), nil) },
			want:   `{"site":"shop"}`,
		},
		{
			name:   "all_sites_health",
			target: "/v1/health",
			setup:  func(gw *mocks.MockGateway) { gw.On("HealthSummaryJSON", "").Return([]byte(`{}`), nil) },
			want:   `{}`,
		},
		{
			name:   "overall",
			target: "/v1/health/overall",
			setup:  func(gw *mocks.MockGateway) { gw.On("OverallHealthJSON").Return([]byte(`{"status":"good"}`), nil) },
			want:   `{"status":"good"}`,
		},
		{
			name:   "alerts_default_limit",
			target: "/v1/alerts",
			setup:  func(gw *mocks.MockGateway) { gw.On("RecentAlertsJSON", 50).Return([]byte(`[]`), nil) },
			want:   `[]`,
		},
		{
			name:   "alerts_custom_limit",
			target: "/v1/alerts?limit=5",
			setup:  func(gw *mocks.MockGateway) { gw.On("RecentAlertsJSON", 5).Return([]byte(`[]`), nil) },
			want:   `[]`,
		},
		{
			name:   "proxies",
			target: "/v1/proxies",
			setup:  func(gw *mocks.MockGateway) { gw.On("ProxiesJSON").Return([]byte(`{"total":2}`), nil) },
			want:   `{"total":2}`,
		},
		{
			name:   "capabilities",
			target: "/v1/capabilities",
			setup: func(gw *mocks.MockGateway) {
				gw.On("CapabilitiesJSON").Return([]byte(`{"tls_impersonation":true}`), nil)
			},
			want: `{"tls_impersonation":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(mocks.MockGateway)
			tt.setup(gw)

			rec := serve(newTestServer(t, gw, nil), http.MethodGet, tt.target, "")

			require.Equal(t, http.StatusOK, rec.Code)
			var data json.RawMessage
			decodeSuccess(t, rec, &data)
			assert.JSONEq(t, tt.want, string(data))
			gw.AssertExpectations(t)
		})
	}
}

func TestAlertsRejectsBadLimit(t *testing.T) {
	for _, limit := range []string{"0", "-3", "abc", "5000"} {
		rec := serve(newTestServer(t, new(mocks.MockGateway), nil), http.MethodGet, "/v1/alerts?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
	}
}

func TestHealthSummaryErrorIsInternal(t *testing.T) {
	gw := new(mocks.MockGateway)
	gw.On("HealthSummaryJSON", "shop").Return(nil, errors.New("encode"))

	rec := serve(newTestServer(t, gw, nil), http.MethodGet, "/v1/health?site=shop", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSitesHandler(t *testing.T) {
	gw := new(mocks.MockGateway)
	sites := fetch.NewSites(fetch.SiteConfig{Name: "shop", Difficulty: fetch.DifficultyHard}.WithDefaults())
	gw.On("Sites").Return(sites)
	gw.On("Cascade", "shop").Return([]fetch.Strategy{fetch.StrategyBrowser, fetch.StrategyBrowserProxy})

	rec := serve(newTestServer(t, gw, nil), http.MethodGet, "/v1/sites", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var views []map[string]any
	decodeSuccess(t, rec, &views)
	require.Len(t, views, 1)
	assert.Equal(t, "shop", views[0]["name"])
	assert.Equal(t, []any{"browser", "browser+proxy"}, views[0]["cascade"])
}

func TestQueueHandler(t *testing.T) {
	gw := new(mocks.MockGateway)
	gw.On("QueueStats").Return(scheduler.Stats{Queued: 3, BySite: map[string]int{"shop": 3}})

	rec := serve(newTestServer(t, gw, nil), http.MethodGet, "/v1/queue", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var stats scheduler.Stats
	decodeSuccess(t, rec, &stats)
	assert.Equal(t, 3, stats.Queued)
}

func TestWorkersHandler(t *testing.T) {
	t.Run("no_workers", func(t *testing.T) {
		rec := serve(newTestServer(t, new(mocks.MockGateway), nil), http.MethodGet, "/v1/workers", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var statuses []worker.Status
		decodeSuccess(t, rec, &statuses)
		assert.Empty(t, statuses)
	})

	t.Run("with_workers", func(t *testing.T) {
		workers := staticWorkers{{Site: "shop", State: worker.StateBackoff, Errors: 2}}
		rec := serve(newTestServer(t, new(mocks.MockGateway), workers), http.MethodGet, "/v1/workers", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var statuses []worker.Status
		decodeSuccess(t, rec, &statuses)
		require.Len(t, statuses, 1)
		assert.Equal(t, worker.StateBackoff, statuses[0].State)
	})
}

func TestBreakerEndpoints(t *testing.T) {
	gw := new(mocks.MockGateway)
	gw.On("Breakers").Return([]breaker.Snapshot{{Name: "shop", State: breaker.StateOpen, Errors: 10}})
	gw.On("ResetBreaker", "shop").Return(true)
	gw.On("ResetBreaker", "ghost").Return(false)
	mux := newTestServer(t, gw, nil)

	rec := serve(mux, http.MethodGet, "/v1/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []breaker.Snapshot
	decodeSuccess(t, rec, &snaps)
	require.Len(t, snaps, 1)
	assert.Equal(t, breaker.StateOpen, snaps[0].State)

	tests := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"reset", http.MethodPost, "/v1/breakers/shop/reset", http.StatusOK},
		{"unknown_site", http.MethodPost, "/v1/breakers/ghost/reset", http.StatusNotFound},
		{"wrong_method", http.MethodGet, "/v1/breakers/shop/reset", http.StatusMethodNotAllowed},
		{"unknown_action", http.MethodPost, "/v1/breakers/shop/open", http.StatusNotFound},
		{"too_deep", http.MethodPost, "/v1/breakers/shop/reset/now", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, serve(mux, tt.method, tt.target, "").Code)
		})
	}
}

func TestReadOnlyEndpointsRejectWrites(t *testing.T) {
	mux := newTestServer(t, new(mocks.MockGateway), nil)
	for _, path := range []string{"/v1/health", "/v1/health/overall", "/v1/alerts", "/v1/proxies", "/v1/capabilities", "/v1/sites", "/v1/queue", "/v1/workers", "/v1/breakers"} {
		assert.Equal(t, http.StatusMethodNotAllowed, serve(mux, http.MethodPost, path, "").Code, path)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, serve(mux, http.MethodGet, "/v1/outcomes", "").Code)
}
