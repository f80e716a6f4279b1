package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/config"
)

// MetricsRecorder is what the router needs from metrics.Recorder
type MetricsRecorder interface {
	httpObserver
	Handler() http.Handler
}

// Deps wires the router. Store, Cache, Rings and Metrics are optional;
// leave them nil when the subsystem is not configured.
type Deps struct {
	Runs            RunService
	Store           ReportStore
	Cache           ReportCache
	Rings           RingIndex
	Hub             *Hub
	Metrics         MetricsRecorder
	Limiter         *RateLimiter
	Server          config.ServerConfig
	MaxTransactions int
	SyncTimeout     time.Duration
	Logger          *zap.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	limiter := d.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(d.Server.RateLimitPerMinute, d.Server.RateLimitBurst)
	}
	syncTimeout := d.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}

	h := &handler{
		runs:        d.Runs,
		store:       d.Store,
		cache:       d.Cache,
		rings:       d.Rings,
		hub:         d.Hub,
		logger:      logger,
		maxTx:       d.MaxTransactions,
		maxUpload:   d.Server.MaxUploadBytes,
		syncTimeout: syncTimeout,
	}

	r := gin.New()
	var observer httpObserver
	if d.Metrics != nil {
		observer = d.Metrics
	}
	r.Use(gin.Recovery(), requestLogger(logger, observer), corsMiddleware(d.Server.AllowedOrigins))

	api := r.Group("/api/v1")
	{
		// Public
		api.GET("/health", h.health)
		if d.Hub != nil {
			api.GET("/stream", d.Hub.Subscribe)
		}

		protected := api.Group("", authMiddleware(d.Server.AuthToken, logger))
		protected.POST("/analyze", limiter.Middleware(), h.analyze)
		protected.GET("/runs/:id", h.runStatus)
		protected.GET("/runs/:id/report", h.runReport)
		protected.GET("/reports", h.listReports)
		protected.GET("/reports/:id", h.getReport)
		protected.GET("/accounts/:id/history", h.accountHistory)
		protected.GET("/accounts/:id/rings", h.accountRings)
	}

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, newAPIError(http.StatusNotFound, CodeNotFound, "no such endpoint"))
	})
	return r
}
