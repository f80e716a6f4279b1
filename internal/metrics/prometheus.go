package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afrid0126/Moneymuling/internal/runner"
)

const namespace = "muling"

// Recorder owns the service's Prometheus collectors on a private registry,
// so tests and multiple servers in one process never collide.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal          *prometheus.CounterVec
	analysisDuration   prometheus.Histogram
	transactionsTotal  prometheus.Counter
	ringsTotal         *prometheus.CounterVec
	suspiciousAccounts prometheus.Histogram
	sampledRuns        prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Analysis runs by terminal state",
		}, []string{"state"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of completed analysis runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),
		transactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "transactions_processed_total",
			Help:      "Transactions analysed by completed runs",
		}),
		sampledRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "sampled_total",
			Help:      "Completed runs whose batch was down-sampled",
		}),
		ringsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "rings_total",
			Help:      "Fraud rings detected by pattern type",
		}, []string{"pattern"}),
		suspiciousAccounts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "suspicious_accounts",
			Help:      "Suspicious accounts flagged per run",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 1000},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}, []string{"method", "route"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.runsTotal,
		r.analysisDuration,
		r.transactionsTotal,
		r.sampledRuns,
		r.ringsTotal,
		r.suspiciousAccounts,
		r.httpRequests,
		r.httpDuration,
	)
	return r
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WatchRunner exports the runner's live counters as gauges.
func (r *Recorder) WatchRunner(stats func() runner.Stats) {
	r.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently queued or executing",
		}, func() float64 { return float64(stats().Active) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "retained",
			Help:      "Runs held in memory for status queries",
		}, func() float64 { return float64(stats().Retained) }),
	)
}

// ObserveEvent counts terminal run events. Progress events are ignored.
func (r *Recorder) ObserveEvent(ev runner.Event) {
	switch ev.Type {
	case string(runner.StateCompleted), string(runner.StateFailed), string(runner.StateSuperseded):
		r.runsTotal.WithLabelValues(ev.Type).Inc()
	}
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Hook records detection output of every completed run.
func (r *Recorder) Hook() runner.Hook {
	return runner.Hook{
		Name: "metrics",
		Fn: func(_ context.Context, report runner.Report) error {
			res := report.Result
			if res == nil {
				return nil
			}
			r.analysisDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
			r.transactionsTotal.Add(float64(res.Summary.TotalTransactionsProcessed))
			if res.Summary.WasSampled {
				r.sampledRuns.Inc()
			}
			r.suspiciousAccounts.Observe(float64(len(res.SuspiciousAccounts)))
			for _, ring := range res.FraudRings {
				r.ringsTotal.WithLabelValues(ring.PatternType).Inc()
			}
			return nil
		},
	}
}
