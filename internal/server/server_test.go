package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/labsearch/internal/config"
	"github.com/copyleftdev/labsearch/internal/logging"
	"github.com/copyleftdev/labsearch/internal/metrics"
)

// testConfig creates a test configuration with small search defaults
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Environment: "test"}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"

	cfg.Search.Objective = "energy"
	cfg.Search.Strategy = "best"
	cfg.Search.Length = 16
	cfg.Search.Budget = 2000
	cfg.Search.Seed = 1
	cfg.Search.Workers = 1
	cfg.Search.Runs = 1
	cfg.Search.MaxLength = 256
	cfg.Search.MaxBudget = 1 << 30
	cfg.Search.MaxRuns = 8
	cfg.Search.MaxJobs = 4
	cfg.Search.RetainJobs = 100

	require.NoError(t, cfg.Validate())
	return cfg
}

type testEnv struct {
	srv    *Server
	router chi.Router
}

func newTestEnv(t *testing.T, cfg *config.Config, opts ...Option) *testEnv {
	t.Helper()
	srv := NewServer(cfg, logging.New(logging.DebugLevel, io.Discard), opts...)
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	t.Cleanup(func() { _ = srv.Close() })
	return &testEnv{srv: srv, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(s))
	} else {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) rpc(t *testing.T, method string, params interface{}) rpcResponseForTest {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/rpc", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp rpcResponseForTest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

type rpcResponseForTest struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func waitForStatus(t *testing.T, srv *Server, id string, want JobStatus) JobView {
	t.Helper()
	var view JobView
	require.Eventually(t, func() bool {
		v, err := srv.Status(id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 10*time.Second, 5*time.Millisecond)
	return view
}

func TestRegisterRoutes(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/v1/status/missing", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/search/missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/search", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nowhere", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, "")
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRESTSearchLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	require.NoError(t, err)
	env := newTestEnv(t, testConfig(t), WithObserver(rec))

	seed := int64(7)
	rr := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Objective: "energy", Length: 12, Budget: 1500, Seed: &seed, Runs: 2})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var started JobView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	require.NotEmpty(t, started.ID)
	assert.Equal(t, 12, started.Length)
	assert.Equal(t, 2, started.Runs)
	assert.Equal(t, int64(7), started.Seed)

	done := waitForStatus(t, env.srv, started.ID, StatusCompleted)
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, int64(3000), done.Evaluations)
	require.NotNil(t, done.Result)
	require.NotNil(t, done.BestScore)
	assert.Equal(t, float64(*done.BestScore), done.Result.Score)
	assert.Len(t, done.Result.Sequence, 12)
	assert.Equal(t, 3000, done.Result.Evaluations)

	rr = env.do(t, http.MethodGet, "/api/v1/status/"+started.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var polled JobView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &polled))
	assert.Equal(t, StatusCompleted, polled.Status)
	assert.Equal(t, done.Result.Sequence, polled.Result.Sequence)

	// finished jobs cannot be cancelled
	rr = env.do(t, http.MethodDelete, "/api/v1/search/"+started.ID, "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	expected := `
# HELP labs_searches_total Finished searches.
# TYPE labs_searches_total counter
labs_searches_total{objective="energy",strategy="best"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "labs_searches_total"))
}

func TestRESTSearchIsReproducible(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	run := func() *ResultView {
		rr := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Objective: "psl", Strategy: "first", Length: 20, Budget: 3000})
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		var view JobView
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
		return waitForStatus(t, env.srv, view.ID, StatusCompleted).Result
	}

	first, second := run(), run()
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.PSL, int(first.Score))
}

func TestRESTSearchRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{name: "not json", body: "{", want: http.StatusBadRequest},
		{name: "short length", body: SearchRequest{Length: 1}, want: http.StatusBadRequest},
		{name: "negative budget", body: SearchRequest{Budget: -3}, want: http.StatusBadRequest},
		{name: "negative workers", body: SearchRequest{Workers: -1}, want: http.StatusBadRequest},
		{name: "negative runs", body: SearchRequest{Runs: -1}, want: http.StatusBadRequest},
		{name: "unknown objective", body: SearchRequest{Objective: "merit"}, want: http.StatusBadRequest},
		{name: "unknown strategy", body: SearchRequest{Strategy: "tabu"}, want: http.StatusBadRequest},
		{name: "too long", body: SearchRequest{Length: 257}, want: http.StatusBadRequest},
		{name: "too many nfes", body: SearchRequest{Budget: 1<<30 + 1}, want: http.StatusBadRequest},
		{name: "too many runs", body: SearchRequest{Runs: 9}, want: http.StatusBadRequest},
		{name: "huge runs", body: SearchRequest{Length: 8, Budget: 10, Runs: 5_000_000, Workers: 64}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/search", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), "error")
		})
	}
}

func TestStartSearchEnforcesRunLimit(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	_, err := env.srv.StartSearch(SearchRequest{Length: 8, Budget: 10, Runs: 5_000_000, Workers: 64})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), "runs 5000000 above 8")

	resp := env.rpc(t, "search.start", map[string]interface{}{"length": 8, "nfes": 10, "runs": 9})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	view, err := env.srv.StartSearch(SearchRequest{Length: 8, Budget: 10, Runs: 8})
	require.NoError(t, err)
	assert.Equal(t, int64(80), waitForStatus(t, env.srv, view.ID, StatusCompleted).Evaluations)
}

func TestDriverDebugLogsStayOutOfServiceLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(t)
	srv := NewServer(cfg, logging.New(logging.DebugLevel, &buf))

	view, err := srv.StartSearch(SearchRequest{Length: 32, Budget: 5000})
	require.NoError(t, err)
	waitForStatus(t, srv, view.ID, StatusCompleted)
	require.NoError(t, srv.Close())

	var messages []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		messages = append(messages, entry["message"].(string))
	}
	assert.Contains(t, messages, "search started")
	assert.Contains(t, messages, "search finished")
	assert.Contains(t, messages, "search completed")
	assert.NotContains(t, messages, "restart")
	assert.NotContains(t, messages, "improved")
}

func TestFinishedJobsAreEvicted(t *testing.T) {
	t.Run("retention count", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Search.RetainJobs = 1
		env := newTestEnv(t, cfg)

		var ids []string
		for i := 0; i < 3; i++ {
			view, err := env.srv.StartSearch(SearchRequest{Length: 8, Budget: 10})
			require.NoError(t, err)
			waitForStatus(t, env.srv, view.ID, StatusCompleted)
			ids = append(ids, view.ID)
		}

		_, err := env.srv.Status(ids[0])
		assert.ErrorIs(t, err, ErrJobNotFound)
		for _, id := range ids[1:] {
			_, err := env.srv.Status(id)
			assert.NoError(t, err)
		}
	})

	t.Run("ttl", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Search.JobTTL = time.Millisecond
		env := newTestEnv(t, cfg)

		old, err := env.srv.StartSearch(SearchRequest{Length: 8, Budget: 10})
		require.NoError(t, err)
		waitForStatus(t, env.srv, old.ID, StatusCompleted)
		time.Sleep(10 * time.Millisecond)

		running, err := env.srv.StartSearch(SearchRequest{Length: 128, Budget: 1 << 30})
		require.NoError(t, err)

		rr := env.do(t, http.MethodGet, "/api/v1/status/"+old.ID, "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
		_, err = env.srv.Status(running.ID)
		assert.NoError(t, err, "live jobs are never evicted")
	})
}

func TestCancelRunningSearch(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	view, err := env.srv.StartSearch(SearchRequest{Length: 128, Budget: 1 << 30, Workers: 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := env.srv.Status(view.ID)
		return err == nil && v.Evaluations > 0
	}, 10*time.Second, 5*time.Millisecond)

	rr := env.do(t, http.MethodDelete, "/api/v1/search/"+view.ID, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var cancelled JobView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cancelled))
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotEmpty(t, cancelled.EndTime)

	require.NoError(t, env.srv.Close())
	final, err := env.srv.Status(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Nil(t, final.Result)
	assert.Less(t, final.Progress, 1.0)
}

func TestMaxJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.MaxJobs = 1
	env := newTestEnv(t, cfg)

	first, err := env.srv.StartSearch(SearchRequest{Length: 128, Budget: 1 << 30})
	require.NoError(t, err)

	rr := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	_, err = env.srv.Cancel(first.ID)
	require.NoError(t, err)

	_, err = env.srv.StartSearch(SearchRequest{Length: 8, Budget: 10})
	assert.NoError(t, err)
}

func TestEvaluateEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	rr := env.do(t, http.MethodPost, "/api/v1/evaluate", map[string]string{"sequence": "+++++--++-+-+"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 13, resp.Length)
	assert.Equal(t, 6, resp.Energy)
	assert.Equal(t, 1, resp.PSL)
	assert.InDelta(t, 169.0/12.0, resp.MeritFactor, 1e-12)
	assert.Len(t, resp.Correlations, 12)

	for _, bad := range []string{"", "+", "+0-", strings.Repeat("+", 257)} {
		rr = env.do(t, http.MethodPost, "/api/v1/evaluate", map[string]string{"sequence": bad})
		assert.Equal(t, http.StatusBadRequest, rr.Code, "sequence %q", bad)
	}
}

func TestJSONRPCSearch(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	resp := env.rpc(t, "search.start", []interface{}{map[string]interface{}{"objective": "psl", "length": 10, "nfes": 500}})
	require.Nil(t, resp.Error)
	var started JobView
	require.NoError(t, json.Unmarshal(resp.Result, &started))

	waitForStatus(t, env.srv, started.ID, StatusCompleted)

	resp = env.rpc(t, "search.status", map[string]string{"id": started.ID})
	require.Nil(t, resp.Error)
	var status JobView
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, "psl", status.Objective)
	assert.Equal(t, int64(500), status.Evaluations)

	resp = env.rpc(t, "search.cancel", map[string]string{"id": started.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeJobFinished, resp.Error.Code)

	resp = env.rpc(t, "sequence.evaluate", map[string]string{"sequence": "1, 1, 1, -1"})
	require.Nil(t, resp.Error)
	var eval EvaluateResponse
	require.NoError(t, json.Unmarshal(resp.Result, &eval))
	assert.Equal(t, 2, eval.Energy)
}

func TestJSONRPCErrors(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	tests := []struct {
		name   string
		body   string
		wantID bool
		code   int
	}{
		{name: "parse error", body: `{"jsonrpc":`, code: codeParseError},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"search.status"}`, wantID: true, code: codeInvalidRequest},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"search.pause","params":{}}`, wantID: true, code: codeMethodNotFound},
		{name: "missing params", body: `{"jsonrpc":"2.0","id":1,"method":"search.status"}`, wantID: true, code: codeInvalidParams},
		{name: "two params", body: `{"jsonrpc":"2.0","id":1,"method":"search.status","params":[{},{}]}`, wantID: true, code: codeInvalidParams},
		{name: "unknown job", body: `{"jsonrpc":"2.0","id":1,"method":"search.status","params":{"id":"nope"}}`, wantID: true, code: codeJobNotFound},
		{name: "bad length", body: `{"jsonrpc":"2.0","id":1,"method":"search.start","params":{"length":1}}`, wantID: true, code: codeInvalidParams},
		{name: "bad sequence", body: `{"jsonrpc":"2.0","id":1,"method":"sequence.evaluate","params":{"sequence":"+x"}}`, wantID: true, code: codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/rpc", tt.body)
			require.Equal(t, http.StatusOK, rr.Code)

			var resp struct {
				ID    interface{} `json:"id"`
				Error *rpcError   `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			if tt.wantID {
				assert.Equal(t, float64(1), resp.ID)
			}
		})
	}
}

func TestStartRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.StartRate = 0.001
	cfg.Search.StartBurst = 2
	env := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := env.srv.StartSearch(SearchRequest{Length: 8, Budget: 10})
		require.NoError(t, err)
	}

	rr := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Length: 8, Budget: 10})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "start rate exceeded")
}

func TestWatchStreamsUntilDone(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	view, err := env.srv.StartSearch(SearchRequest{Length: 24, Budget: 200000})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/search/" + view.ID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []JobView
	for {
		var frame JobView
		if err := conn.ReadJSON(&frame); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		frames = append(frames, frame)
	}

	require.NotEmpty(t, frames)
	for i := 1; i < len(frames); i++ {
		assert.GreaterOrEqual(t, frames[i].Evaluations, frames[i-1].Evaluations)
	}
	last := frames[len(frames)-1]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, int64(200000), last.Evaluations)
	require.NotNil(t, last.Result)
}

func TestWatchRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	view, err := env.srv.StartSearch(SearchRequest{Length: 8, Budget: 10})
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/search/" + view.ID + "/watch"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://elsewhere.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{ts.URL}})
	require.NoError(t, err)
	conn.Close()
}

func TestWatchUnknownJob(t *testing.T) {
	env := newTestEnv(t, testConfig(t))
	rr := env.do(t, http.MethodGet, "/api/v1/search/missing/watch", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
