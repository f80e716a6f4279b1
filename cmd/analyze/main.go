// Command analyze runs the detection pipeline over one CSV file and writes
// the JSON report, without any of the server's infrastructure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/heuristics"
	"github.com/afrid0126/Moneymuling/internal/ingest"
	"github.com/afrid0126/Moneymuling/internal/logging"
	"github.com/afrid0126/Moneymuling/internal/metrics"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

type options struct {
	in         string
	out        string
	baseline   string
	max        int
	sequential bool
	pretty     bool
	graph      bool
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.in, "in", "", "transaction CSV to analyse (- for stdin)")
	flag.StringVar(&opts.out, "out", "", "report destination (default stdout)")
	flag.StringVar(&opts.baseline, "baseline", "", "previous report to compare ring membership against")
	flag.IntVar(&opts.max, "max", ingest.DefaultMaxTransactions, "sample down to at most this many transactions")
	flag.BoolVar(&opts.sequential, "sequential", false, "run detectors one after another")
	flag.BoolVar(&opts.pretty, "pretty", false, "indent the JSON report")
	flag.BoolVar(&opts.graph, "graph", false, "include the graph view in the report")
	flag.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	if opts.in == "" {
		fmt.Fprintln(os.Stderr, "usage: analyze -in transactions.csv [-out report.json] [-max 50000] [-sequential] [-pretty] [-graph] [-baseline report.json]")
		os.Exit(2)
	}

	// Console logs go to stderr so the report can be piped
	logger, err := logging.New(opts.logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(context.Background(), opts, logger); err != nil {
		logger.Error("analysis failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	parsed, err := readInput(opts.in)
	if err != nil {
		if parsed != nil {
			for _, rowErr := range parsed.Errors {
				logger.Warn("rejected row", zap.Int("line", rowErr.Line), zap.String("field", rowErr.Field), zap.String("reason", rowErr.Reason))
			}
		}
		return err
	}
	if parsed.Skipped > 0 {
		logger.Warn("skipped malformed rows", zap.Int("count", parsed.Skipped), zap.Any("first", parsed.Errors))
	}

	batch := ingest.Prepare(parsed.Transactions, opts.max)
	if batch.WasSampled {
		logger.Info("input sampled", zap.Int("original", batch.OriginalCount), zap.Int("kept", len(batch.Transactions)))
	}

	engine := heuristics.NewEngine(heuristics.EngineConfig{
		ParallelDetectors: !opts.sequential,
		IncludeGraph:      opts.graph,
	}, logger)

	result, err := engine.Analyze(ctx, heuristics.Input{
		Transactions:  batch.Transactions,
		WasSampled:    batch.WasSampled,
		OriginalCount: batch.OriginalCount,
		Progress: func(phase, detail string) {
			logger.Debug("progress", zap.String("phase", phase), zap.String("detail", detail))
		},
	})
	if err != nil {
		return err
	}

	if err := writeReport(opts.out, result, opts.pretty); err != nil {
		return err
	}

	s := result.Summary
	logger.Info("report written",
		zap.String("out", destination(opts.out)),
		zap.Int("accounts", s.TotalAccountsAnalyzed),
		zap.Int("suspicious", s.SuspiciousAccountsFlagged),
		zap.Int("rings", s.FraudRingsDetected),
		zap.Float64("seconds", s.ProcessingTimeSeconds),
	)

	if opts.baseline != "" {
		previous, err := readReport(opts.baseline)
		if err != nil {
			return err
		}
		agreement := metrics.CompareReports(result, previous)
		logger.Info("ring agreement with baseline",
			zap.String("baseline", opts.baseline),
			zap.Int("accounts", agreement.Accounts),
			zap.Float64("adjusted_rand_index", agreement.ARI),
			zap.Float64("variation_of_information", agreement.VI),
		)
	}
	return nil
}

func readInput(path string) (*ingest.ParseResult, error) {
	if path == "-" {
		return ingest.ParseCSV(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingest.ParseCSV(f)
}

func readReport(path string) (*models.AnalysisResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report models.AnalysisResult
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode baseline %s: %w", path, err)
	}
	return &report, nil
}

func writeReport(path string, result *models.AnalysisResult, pretty bool) error {
	if path == "" {
		return encodeReport(os.Stdout, result, pretty)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeReport(f, result, pretty); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeReport(w io.Writer, result *models.AnalysisResult, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(result)
}

func destination(path string) string {
	if path == "" {
		return "stdout"
	}
	return path
}
