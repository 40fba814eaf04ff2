package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asirikuy/framework/internal/config"
	"github.com/asirikuy/framework/internal/history"
	"github.com/asirikuy/framework/internal/optimization"
	"github.com/asirikuy/framework/internal/results"
	"github.com/asirikuy/framework/pkg/optimizer"
	"github.com/asirikuy/framework/pkg/rates"
)

// ============================================================================
// HELPERS
// ============================================================================

const fastSlot = 70

// gatedRunner blocks every test until the gate is closed.
type gatedRunner struct {
	gate chan struct{}
	once sync.Once
}

func newGatedRunner() *gatedRunner { return &gatedRunner{gate: make(chan struct{})} }

func (r *gatedRunner) open() { r.once.Do(func() { close(r.gate) }) }

func (r *gatedRunner) RunPortfolioTest(ctx context.Context, in *optimizer.TestInput) (optimizer.TestResult, error) {
	select {
	case <-r.gate:
	case <-ctx.Done():
		return optimizer.TestResult{}, ctx.Err()
	}
	return optimizer.TestResult{Symbol: in.Symbol, TotalTrades: 1, FinalBalance: in.AccountInfo.Balance + in.Settings[fastSlot]}, nil
}

type testEnv struct {
	server  *Server
	manager *optimization.Manager
	runner  *gatedRunner
	mock    pgxmock.PgxPoolIface
}

func newTestEnv(t *testing.T, apiKey string, withStore bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	hist := history.NewStore(dir, history.FormatCSV)
	bars := make(rates.Bars, 30)
	for i := range bars {
		c := 1.2 + float64(i)*0.001
		bars[i] = rates.Bar{Time: 1704672000 + int64(i)*3600, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	require.NoError(t, hist.Save("EURUSD", 60, bars))

	cfg := &config.Config{}
	cfg.Optimizer.Type = "brute_force"
	cfg.Optimizer.Threads = 1
	cfg.Tester.Symbols = []string{"EURUSD"}
	cfg.Tester.Account = optimizer.AccountInfo{Balance: 10000}
	cfg.Tester.NumCandles = 10
	cfg.History = config.HistoryConfig{Dir: dir, Format: "csv", Timeframe: 60}

	env := &testEnv{runner: newGatedRunner()}
	t.Cleanup(env.runner.open)

	var store *results.Store
	if withStore {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		t.Cleanup(mock.Close)
		env.mock = mock
		store = results.NewStore(mock)
	}

	m, err := optimization.NewManager(cfg, optimization.Dependencies{History: hist}, optimization.WithRunner(env.runner))
	require.NoError(t, err)
	env.manager = m
	t.Cleanup(func() {
		env.runner.open()
		_ = m.Shutdown(context.Background())
	})

	env.server = NewServer(Config{Manager: m, Store: store, APIKey: apiKey})
	return env
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

var params = optimizer.Space{{Index: fastSlot, Start: 1, Step: 1, Stop: 2}}

// ============================================================================
// ROUTE TESTS
// ============================================================================

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var root map[string]any
	decode(t, w, &root)
	assert.Equal(t, config.Version, root["version"])

	w = env.do(http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	decode(t, w, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, 0.0, health["active_runs"])
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, "", false)
	env.do(http.MethodGet, "/api/v1/health", nil, nil)

	w := env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "asirikuy_http_requests_total")
}

func TestStartRunLifecycle(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodPost, "/api/v1/runs", optimization.StartOptions{Params: params}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var started optimization.JobInfo
	decode(t, w, &started)
	assert.NotEqual(t, uuid.Nil, started.ID)
	assert.Equal(t, results.RunRunning, started.Status)
	assert.Equal(t, "brute_force", started.Type)

	w = env.do(http.MethodGet, "/api/v1/runs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs  []optimization.JobInfo `json:"runs"`
		Count int                    `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	env.runner.open()
	job, err := env.manager.Get(started.ID)
	require.NoError(t, err)
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	w = env.do(http.MethodGet, "/api/v1/runs/"+started.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var finished optimization.JobInfo
	decode(t, w, &finished)
	assert.Equal(t, results.RunCompleted, finished.Status)
	assert.Equal(t, int64(2), finished.TestsCompleted)
}

func TestStartRunErrors(t *testing.T) {
	env := newTestEnv(t, "", false)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed body", "not an object", http.StatusBadRequest},
		{"no params configured", nil, http.StatusBadRequest},
		{"invalid range", optimization.StartOptions{Params: optimizer.Space{{Index: fastSlot, Start: 2, Step: 1, Stop: 1}}}, http.StatusBadRequest},
		{"unknown type", optimization.StartOptions{Type: "annealing", Params: params}, http.StatusBadRequest},
		{"missing history", optimization.StartOptions{Symbols: []string{"NZDUSD"}, Params: params}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/runs", tt.body, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestStopRun(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodPost, "/api/v1/runs", optimization.StartOptions{Params: params}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var started optimization.JobInfo
	decode(t, w, &started)

	w = env.do(http.MethodPost, "/api/v1/runs/"+started.ID.String()+"/stop", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	env.runner.open()
	job, err := env.manager.Get(started.ID)
	require.NoError(t, err)
	<-job.Done()
	assert.Equal(t, results.RunStopped, job.Info().Status)

	w = env.do(http.MethodPost, "/api/v1/runs/"+uuid.NewString()+"/stop", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/api/v1/runs/not-a-uuid/stop", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRunNotFoundWithoutStore(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/runs/"+uuid.NewString()+"/results", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetRunFromStore(t *testing.T) {
	env := newTestEnv(t, "", true)
	id := uuid.New()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	best := 2.5

	env.mock.ExpectQuery("SELECT id, optimization_type").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "optimization_type", "symbols", "status", "total_tests", "best_fitness", "error", "started_at", "finished_at",
		}).AddRow(id, "genetic", []string{"EURUSD"}, results.RunCompleted, int64(80), &best, nil, started, &started))

	w := env.do(http.MethodGet, "/api/v1/runs/"+id.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var run results.Run
	decode(t, w, &run)
	assert.Equal(t, "genetic", run.OptimizationType)
	require.NotNil(t, run.BestFitness)
	assert.Equal(t, 2.5, *run.BestFitness)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestGetResults(t *testing.T) {
	env := newTestEnv(t, "", true)
	id := uuid.New()

	env.mock.ExpectQuery("SELECT iteration, symbol").
		WithArgs(id, maxResultsLimit).
		WillReturnRows(pgxmock.NewRows([]string{
			"iteration", "symbol", "num_trades", "final_balance", "max_dd_depth", "max_dd_length",
			"pf", "r2", "ulcer_index", "sharpe", "cagr", "num_shorts", "num_longs", "params",
		}).AddRow(1, "EURUSD", 10, 10500.0, 4.0, 86400.0, 1.2, 0.8, 1.0, 0.7, 5.0, 4, 6, []byte(`[{"index":70,"value":2}]`)))

	w := env.do(http.MethodGet, "/api/v1/runs/"+id.String()+"/results?limit=5000", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Count   int              `json:"count"`
		Results []results.Record `json:"results"`
	}
	decode(t, w, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, []results.Param{{Index: 70, Value: 2}}, body.Results[0].Params)
	require.NoError(t, env.mock.ExpectationsWereMet())

	w = env.do(http.MethodGet, "/api/v1/runs/"+id.String()+"/results?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// MIDDLEWARE TESTS
// ============================================================================

func TestControlRoutesRequireAPIKey(t *testing.T) {
	env := newTestEnv(t, "s3cret", false)

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header", map[string]string{"X-API-Key": "s3cret"}, http.StatusAccepted},
		{"bearer", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/runs", optimization.StartOptions{Params: params}, tt.headers)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := env.do(http.MethodGet, "/api/v1/runs", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, "read routes stay open")
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter("test", 2, time.Minute)
	router := gin.New()
	router.GET("/", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for range 3 {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "budgets are per client")
}

func TestCORSConfig(t *testing.T) {
	open := corsConfig(nil)
	assert.True(t, open.AllowAllOrigins)
	assert.False(t, open.AllowCredentials)

	restricted := corsConfig([]string{"http://localhost:3000"})
	assert.False(t, restricted.AllowAllOrigins)
	assert.Equal(t, []string{"http://localhost:3000"}, restricted.AllowOrigins)
}
