package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/afrid0126/Moneymuling/internal/cache"
	"github.com/afrid0126/Moneymuling/internal/config"
	"github.com/afrid0126/Moneymuling/internal/db"
	"github.com/afrid0126/Moneymuling/internal/graphstore"
	"github.com/afrid0126/Moneymuling/internal/heuristics"
	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const cycleCSV = `transaction_id,sender_id,receiver_id,amount,timestamp
T1,ACC_A,ACC_B,10250,2024-03-01 09:00:00
T2,ACC_B,ACC_C,9120,2024-03-01 15:30:00
T3,ACC_C,ACC_A,8430,2024-03-02 11:15:00
`

type fakeCache struct {
	report *models.AnalysisResult
	err    error
}

func (f *fakeCache) Ping(context.Context) error { return f.err }

func (f *fakeCache) Get(context.Context, string) (*models.AnalysisResult, error) {
	if f.report == nil {
		return nil, cache.ErrCacheMiss
	}
	return f.report, nil
}

type fakeStore struct {
	reports map[string]*models.AnalysisResult
	history []db.AccountAppearance
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) ListReports(_ context.Context, page, limit int) ([]db.ReportInfo, int, error) {
	out := make([]db.ReportInfo, 0, len(f.reports))
	for id := range f.reports {
		out = append(out, db.ReportInfo{RunID: id})
	}
	return out, len(out), nil
}

func (f *fakeStore) GetReport(_ context.Context, runID string) (*models.AnalysisResult, error) {
	if r, ok := f.reports[runID]; ok {
		return r, nil
	}
	return nil, db.ErrReportNotFound
}

func (f *fakeStore) AccountHistory(context.Context, string, int) ([]db.AccountAppearance, error) {
	return f.history, nil
}

type fakeRings struct {
	rings []graphstore.RingMembership
}

func (f *fakeRings) Ping(context.Context) error { return errors.New("connection refused") }

func (f *fakeRings) AccountRings(context.Context, string, int) ([]graphstore.RingMembership, error) {
	return f.rings, nil
}

func newTestRunner(t *testing.T) *runner.Runner {
	engine := heuristics.NewEngine(heuristics.DefaultEngineConfig(), zaptest.NewLogger(t))
	r := runner.New(engine, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func newTestRouter(t *testing.T, mutate func(*Deps)) (*gin.Engine, *runner.Runner) {
	runs := newTestRunner(t)
	d := Deps{
		Runs:            runs,
		Server:          config.Default().Server,
		MaxTransactions: 50000,
		Logger:          zaptest.NewLogger(t),
	}
	d.Server.AuthToken = ""
	d.Server.RateLimitPerMinute = 0
	if mutate != nil {
		mutate(&d)
	}
	return SetupRouter(d), runs
}

func multipartCSV(t *testing.T, csv string) (*bytes.Buffer, string) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "transactions.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAnalyze_SyncCSVUpload(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	body, contentType := multipartCSV(t, cycleCSV)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", body)
	req.Header.Set("Content-Type", contentType)
	w := serve(router, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Run-ID"))
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.FraudRings, 1)
	assert.Equal(t, "RING_001", result.FraudRings[0].RingID)
	assert.Equal(t, models.PatternCycle, result.FraudRings[0].PatternType)
	assert.Len(t, result.SuspiciousAccounts, 3)
	assert.Equal(t, 3, result.Summary.TotalTransactionsProcessed)
}

func TestAnalyze_JSONBody(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(analyzeRequest{Transactions: []models.Transaction{
		{TransactionID: "T1", SenderID: "ACC_A", ReceiverID: "ACC_B", Amount: 10250, Timestamp: at},
		{TransactionID: "T2", SenderID: "ACC_B", ReceiverID: "ACC_C", Amount: 9120, Timestamp: at.Add(6 * time.Hour)},
		{TransactionID: "T3", SenderID: "ACC_C", ReceiverID: "ACC_A", Amount: 8430, Timestamp: at.Add(26 * time.Hour)},
		{TransactionID: "", SenderID: "ACC_X", ReceiverID: "ACC_Y", Amount: 10, Timestamp: at},
	}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := serve(router, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1", w.Header().Get("X-Skipped-Rows"))

	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.FraudRings, 1)
}

func TestAnalyze_InvalidInput(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantDetails bool
	}{
		{"missing column", "text/csv", "transaction_id,sender_id,amount\nT1,A,10\n", false},
		{"no valid rows", "text/csv", "transaction_id,sender_id,receiver_id,amount,timestamp\nT1,A,B,-5,2024-01-01\n", true},
		{"empty body", "text/csv", "", false},
		{"malformed json", "application/json", `{"transactions": [`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := serve(router, req)

			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			body := decodeError(t, w)
			assert.Equal(t, CodeInvalidInput, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
			if tt.wantDetails {
				assert.Contains(t, string(body.Error.Details), "amount")
			}
		})
	}
}

func TestAnalyze_UploadTooLarge(t *testing.T) {
	router, _ := newTestRouter(t, func(d *Deps) { d.Server.MaxUploadBytes = 64 })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(cycleCSV))
	req.Header.Set("Content-Type", "text/csv")
	w := serve(router, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	assert.Equal(t, CodeTooLarge, decodeError(t, w).Error.Code)
}

func TestAnalyze_AsyncThenReport(t *testing.T) {
	router, runs := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze?async=true", strings.NewReader(cycleCSV))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set(sessionHeader, "analyst-7")
	w := serve(router, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := runs.Wait(ctx, accepted.RunID)
	require.NoError(t, err)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+accepted.RunID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status runner.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, runner.StateCompleted, status.State)
	assert.Equal(t, "analyst-7", status.SessionID)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+accepted.RunID+"/report?download=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=fraud_report_"+accepted.RunID+".json", w.Header().Get("Content-Disposition"))

	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.FraudRings, 1)
}

func TestRunEndpoints_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	for _, path := range []string{"/api/v1/runs/missing", "/api/v1/runs/missing/report"} {
		w := serve(router, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, CodeNotFound, decodeError(t, w).Error.Code)
	}
}

func TestRunReport_FallsBackToStore(t *testing.T) {
	stored := &models.AnalysisResult{FraudRings: []models.FraudRing{{RingID: "RING_001"}}}
	router, _ := newTestRouter(t, func(d *Deps) {
		d.Store = &fakeStore{reports: map[string]*models.AnalysisResult{"old-run": stored}}
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/runs/old-run/report", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "RING_001")
}

func TestAnalyze_CacheHit(t *testing.T) {
	cached := &models.AnalysisResult{
		SuspiciousAccounts: []models.SuspiciousAccount{},
		FraudRings:         []models.FraudRing{{RingID: "RING_042", PatternType: models.PatternFanIn}},
	}
	router, _ := newTestRouter(t, func(d *Deps) { d.Cache = &fakeCache{report: cached} })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(cycleCSV))
	req.Header.Set("Content-Type", "text/csv")
	w := serve(router, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Empty(t, w.Header().Get("X-Run-ID"))
	assert.Contains(t, w.Body.String(), "RING_042")
}

func TestAuthMiddleware(t *testing.T) {
	router, _ := newTestRouter(t, func(d *Deps) { d.Server.AuthToken = "s3cret" })

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"valid token", "Bearer s3cret", http.StatusNotFound}, // reaches the handler
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/unknown", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(router, req).Code)
		})
	}

	// Health stays public
	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_AnalyzeRoute(t *testing.T) {
	router, _ := newTestRouter(t, func(d *Deps) {
		d.Server.RateLimitPerMinute = 1
		d.Server.RateLimitBurst = 1
	})

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader("transaction_id\n"))
		req.Header.Set("Content-Type", "text/csv")
		return serve(router, req)
	}

	first := post()
	assert.Equal(t, http.StatusBadRequest, first.Code, "first request passes the limiter")

	second := post()
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decodeError(t, second).Error.Code)

	// Other routes are not limited
	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/runs/x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(60, 5)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.Zero(t, rl.reserve("10.0.0.1"))
	now = now.Add(time.Hour)
	assert.Zero(t, rl.reserve("10.0.0.2"))

	assert.Equal(t, 1, rl.Cleanup(now.Add(-limiterIdleTTL)))
	assert.Len(t, rl.visitors, 1)
}

func TestReportEndpoints(t *testing.T) {
	t.Run("without a database", func(t *testing.T) {
		router, _ := newTestRouter(t, nil)
		for _, path := range []string{"/api/v1/reports", "/api/v1/reports/x", "/api/v1/accounts/ACC_A/history"} {
			w := serve(router, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		}
		w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/ACC_A/rings", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("with stores", func(t *testing.T) {
		store := &fakeStore{
			reports: map[string]*models.AnalysisResult{"run-1": {}},
			history: []db.AccountAppearance{{RunID: "run-1", SuspicionScore: 88.4}},
		}
		rings := &fakeRings{rings: []graphstore.RingMembership{{RunID: "run-1", RingID: "RING_003"}}}
		router, _ := newTestRouter(t, func(d *Deps) {
			d.Store = store
			d.Rings = rings
		})

		w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/reports?page=1&limit=10", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"totalCount":1`)

		w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/reports?page=0&limit=9999", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"page":1`)
		assert.Contains(t, w.Body.String(), `"limit":50`)

		w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/reports/missing", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/ACC_A/history", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "88.4")

		w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/ACC_A/rings", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "RING_003")
	})
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, func(d *Deps) {
		d.Cache = &fakeCache{}
		d.Rings = &fakeRings{}
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "disabled", body.Components["database"])
	assert.Equal(t, "ok", body.Components["cache"])
	assert.Equal(t, "unreachable", body.Components["graph"])
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t, func(d *Deps) { d.Server.AllowedOrigins = []string{"https://ops.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/analyze", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := serve(router, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/analyze", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = serve(router, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
