package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/cache"
	"github.com/afrid0126/Moneymuling/internal/db"
	"github.com/afrid0126/Moneymuling/internal/graphstore"
	"github.com/afrid0126/Moneymuling/internal/ingest"
	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

const (
	sessionHeader      = "X-Session-ID"
	defaultSyncTimeout = 2 * time.Minute
	healthPingTimeout  = 2 * time.Second
)

// RunService is the part of runner.Runner the handlers use
type RunService interface {
	Submit(job runner.Job) (string, error)
	Get(runID string) (runner.Status, *models.AnalysisResult, error)
	Wait(ctx context.Context, runID string) (runner.Status, *models.AnalysisResult, error)
	Stats() runner.Stats
}

// ReportStore serves persisted reports (db.PostgresStore)
type ReportStore interface {
	Ping(ctx context.Context) error
	ListReports(ctx context.Context, page, limit int) ([]db.ReportInfo, int, error)
	GetReport(ctx context.Context, runID string) (*models.AnalysisResult, error)
	AccountHistory(ctx context.Context, accountID string, limit int) ([]db.AccountAppearance, error)
}

// ReportCache looks up reports by input fingerprint (cache.ReportCache)
type ReportCache interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, fingerprint string) (*models.AnalysisResult, error)
}

// RingIndex answers ring-membership queries (graphstore.Exporter)
type RingIndex interface {
	Ping(ctx context.Context) error
	AccountRings(ctx context.Context, accountID string, limit int) ([]graphstore.RingMembership, error)
}

type handler struct {
	runs        RunService
	store       ReportStore
	cache       ReportCache
	rings       RingIndex
	hub         *Hub
	logger      *zap.Logger
	maxTx       int
	maxUpload   int64
	syncTimeout time.Duration
}

type analyzeRequest struct {
	Transactions []models.Transaction `json:"transactions" binding:"required"`
}

// analyze accepts a CSV upload (multipart "file" or text/csv body) or JSON
// {"transactions": [...]}. Synchronous by default; ?async=true returns 202
// with the run id and progress is streamed over /stream.
func (h *handler) analyze(c *gin.Context) {
	parsed, err := h.readTransactions(c)
	if err != nil {
		ae := classify(err)
		if parsed != nil && len(parsed.Errors) > 0 {
			ae.withDetails(parsed.Errors)
		}
		abortWithError(c, ae)
		return
	}
	c.Header("X-Skipped-Rows", strconv.Itoa(parsed.Skipped))

	ctx := c.Request.Context()
	fingerprint := ingest.Fingerprint(parsed.Transactions)
	async := c.Query("async") == "true"

	if !async && h.cache != nil {
		cached, err := h.cache.Get(ctx, fingerprint)
		switch {
		case err == nil:
			c.Header("X-Cache", "HIT")
			c.JSON(http.StatusOK, cached)
			return
		case !errors.Is(err, cache.ErrCacheMiss):
			h.logger.Warn("report cache lookup failed", zap.Error(err))
		}
	}

	batch := ingest.Prepare(parsed.Transactions, h.maxTx)
	runID, err := h.runs.Submit(runner.Job{
		SessionID:   sessionID(c),
		Batch:       batch,
		Fingerprint: fingerprint,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("X-Run-ID", runID)

	if async {
		c.JSON(http.StatusAccepted, gin.H{
			"runId":       runID,
			"statusUrl":   "/api/v1/runs/" + runID,
			"skippedRows": parsed.Skipped,
			"wasSampled":  batch.WasSampled,
		})
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.syncTimeout)
	defer cancel()
	status, result, err := h.runs.Wait(waitCtx, runID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if ae := stateError(status); ae != nil {
		abortWithError(c, ae)
		return
	}
	c.Header("X-Cache", "MISS")
	c.JSON(http.StatusOK, result)
}

// readTransactions decodes and validates the request body. The returned
// ParseResult is non-nil whenever row-level errors are worth reporting.
func (h *handler) readTransactions(c *gin.Context) (*ingest.ParseResult, error) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	contentType := c.ContentType()
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		header, err := c.FormFile("file")
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, err
			}
			return nil, newAPIError(http.StatusBadRequest, CodeInvalidInput, `multipart field "file" is required`).withCause(err)
		}
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		return ingest.ParseCSV(f)

	case contentType == "text/csv":
		return ingest.ParseCSV(c.Request.Body)

	default:
		var req analyzeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return nil, err
			}
			return nil, newAPIError(http.StatusBadRequest, CodeInvalidInput,
				"expected a CSV upload or a JSON body with a transactions array").withCause(err)
		}
		return ingest.Validate(req.Transactions)
	}
}

func sessionID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(sessionHeader)); id != "" {
		return id
	}
	return c.ClientIP()
}

// stateError turns a finished non-completed run into a response error.
func stateError(status runner.Status) *apiError {
	switch status.State {
	case runner.StateCompleted:
		return nil
	case runner.StateFailed:
		return newAPIError(http.StatusInternalServerError, CodeAnalysisFailed, status.Error)
	case runner.StateSuperseded:
		return newAPIError(http.StatusConflict, CodeSuperseded, "run was superseded by a newer submission from the same session")
	default:
		return newAPIError(http.StatusConflict, CodeNotReady, fmt.Sprintf("run is %s", status.State)).
			withDetails(gin.H{"phase": status.Phase, "detail": status.Detail})
	}
}

func (h *handler) runStatus(c *gin.Context) {
	status, _, err := h.runs.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// runReport serves a finished run's report from memory, falling back to the
// store once the run was pruned.
func (h *handler) runReport(c *gin.Context) {
	runID := c.Param("id")
	status, result, err := h.runs.Get(runID)
	switch {
	case errors.Is(err, runner.ErrRunNotFound) && h.store != nil:
		result, err = h.store.GetReport(c.Request.Context(), runID)
		if err != nil {
			abortWithError(c, err)
			return
		}
	case err != nil:
		abortWithError(c, err)
		return
	default:
		if ae := stateError(status); ae != nil {
			abortWithError(c, ae)
			return
		}
	}

	if c.Query("download") == "true" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=fraud_report_%s.json", runID))
		c.IndentedJSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) requireStore(c *gin.Context) bool {
	if h.store == nil {
		abortWithError(c, newAPIError(http.StatusServiceUnavailable, CodeUnavailable, "database not configured"))
		return false
	}
	return true
}

func (h *handler) listReports(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	page, limit, _ = db.NormalizePage(page, limit)

	reports, total, err := h.store.ListReports(c.Request.Context(), page, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       reports,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

func (h *handler) getReport(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}
	result, err := h.store.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) accountHistory(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	history, err := h.store.AccountHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": c.Param("id"), "appearances": history})
}

func (h *handler) accountRings(c *gin.Context) {
	if h.rings == nil {
		abortWithError(c, newAPIError(http.StatusServiceUnavailable, CodeUnavailable, "graph store not configured"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rings, err := h.rings.AccountRings(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": c.Param("id"), "rings": rings})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// health reports the engine as operational whenever the process is up;
// optional subsystems only downgrade the status to "degraded".
func (h *handler) health(c *gin.Context) {
	components := gin.H{}
	status := "operational"

	check := func(name string, p pinger) {
		if p == nil {
			components[name] = "disabled"
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			components[name] = "unreachable"
			status = "degraded"
			return
		}
		components[name] = "ok"
	}
	check("database", h.store)
	check("cache", h.cache)
	check("graph", h.rings)

	body := gin.H{
		"status":     status,
		"components": components,
		"runs":       h.runs.Stats(),
	}
	if h.hub != nil {
		body["streamClients"] = h.hub.Clients()
	}
	c.JSON(http.StatusOK, body)
}
