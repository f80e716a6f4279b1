package heuristics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Analysis pipeline
//
//   build graph → validate → cycles ┐
//                          smurfing ├→ score → summary
//                          shells   ┘
//
// The detectors only read the graph, so they run concurrently by default.
// Scoring consumes their results in a fixed order, which keeps the report
// identical to a sequential run.

// ErrDetectorFailed wraps a detector that panicked. The run is aborted.
var ErrDetectorFailed = errors.New("detector failed")

// Progress phases reported through ProgressFunc
const (
	PhaseBuildingGraph   = "building_graph"
	PhaseDetectingCycles = "detecting_cycles"
	PhaseDetectingSmurfs = "detecting_smurfing"
	PhaseDetectingShells = "detecting_shell_networks"
	PhaseScoring         = "scoring"
	PhaseComplete        = "complete"
)

// ProgressFunc receives phase changes. It is always called from the
// goroutine running Analyze.
type ProgressFunc func(phase, detail string)

// Input is one batch handed to the engine
type Input struct {
	Transactions  []models.Transaction
	WasSampled    bool
	OriginalCount int // Size before sampling; 0 means len(Transactions)
	Progress      ProgressFunc
}

// EngineConfig tunes orchestration only; detector thresholds are constants.
type EngineConfig struct {
	ParallelDetectors bool
	IncludeGraph      bool
}

// DefaultEngineConfig runs the detectors concurrently and keeps the graph
// view in the result.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{ParallelDetectors: true, IncludeGraph: true}
}

// Engine runs the full analysis pipeline. It holds no per-run state and is
// safe for concurrent use.
type Engine struct {
	cfg    EngineConfig
	logger *zap.Logger
}

func NewEngine(cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger.Named("engine")}
}

type detectorResults struct {
	cycles []DetectedCycle
	fans   []SmurfingPattern
	chains []ShellChain
}

// Analyze runs one batch end to end. ctx is checked between phases; the
// detectors themselves are bounded and not interruptible.
func (e *Engine) Analyze(ctx context.Context, in Input) (*models.AnalysisResult, error) {
	started := time.Now()
	progress := in.Progress
	if progress == nil {
		progress = func(string, string) {}
	}

	progress(PhaseBuildingGraph, fmt.Sprintf("%d transactions", len(in.Transactions)))
	g := BuildGraph(in.Transactions)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	e.logger.Debug("graph built",
		zap.Int("accounts", g.NodeCount()),
		zap.Int("edges", len(g.Edges)),
		zap.Duration("elapsed", time.Since(started)),
	)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		res detectorResults
		err error
	)
	if e.cfg.ParallelDetectors {
		res, err = e.detectParallel(ctx, g, progress)
	} else {
		res, err = e.detectSequential(ctx, g, progress)
	}
	if err != nil {
		return nil, err
	}

	progress(PhaseScoring, fmt.Sprintf("%d cycles, %d fan patterns, %d shell chains",
		len(res.cycles), len(res.fans), len(res.chains)))
	accounts, rings := ComputeScores(g, res.cycles, res.fans, res.chains)
	if rings == nil {
		rings = []models.FraudRing{}
	}

	originalCount := in.OriginalCount
	if originalCount == 0 {
		originalCount = len(in.Transactions)
	}

	result := &models.AnalysisResult{
		SuspiciousAccounts: accounts,
		FraudRings:         rings,
		Summary: models.Summary{
			TotalAccountsAnalyzed:      g.NodeCount(),
			SuspiciousAccountsFlagged:  len(accounts),
			FraudRingsDetected:         len(rings),
			ProcessingTimeSeconds:      round1(time.Since(started).Seconds()),
			TotalTransactionsProcessed: len(in.Transactions),
			WasSampled:                 in.WasSampled,
			OriginalTransactionCount:   originalCount,
		},
	}
	if e.cfg.IncludeGraph {
		result.Graph = g.View()
	}

	progress(PhaseComplete, fmt.Sprintf("%d suspicious accounts, %d rings", len(accounts), len(rings)))
	e.logger.Info("analysis complete",
		zap.Int("transactions", len(in.Transactions)),
		zap.Int("accounts", g.NodeCount()),
		zap.Int("suspicious", len(accounts)),
		zap.Int("rings", len(rings)),
		zap.Bool("sampled", in.WasSampled),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (e *Engine) detectSequential(ctx context.Context, g *DirectedGraph, progress ProgressFunc) (detectorResults, error) {
	var res detectorResults

	progress(PhaseDetectingCycles, "")
	if err := e.guard("cycles", func() { res.cycles = DetectCycles(g) }); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	progress(PhaseDetectingSmurfs, fmt.Sprintf("%d cycles found", len(res.cycles)))
	if err := e.guard("smurfing", func() { res.fans = DetectSmurfing(g) }); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	progress(PhaseDetectingShells, fmt.Sprintf("%d fan patterns found", len(res.fans)))
	if err := e.guard("shell_networks", func() { res.chains = DetectShellNetworks(g) }); err != nil {
		return res, err
	}
	return res, ctx.Err()
}

func (e *Engine) detectParallel(ctx context.Context, g *DirectedGraph, progress ProgressFunc) (detectorResults, error) {
	var res detectorResults

	progress(PhaseDetectingCycles, "started")
	progress(PhaseDetectingSmurfs, "started")
	progress(PhaseDetectingShells, "started")

	// Each goroutine writes a distinct field of res. Completions are relayed
	// so progress stays on the calling goroutine.
	type finished struct{ phase, detail string }
	done := make(chan finished, 3)

	var grp errgroup.Group
	grp.Go(func() error {
		if err := e.guard("cycles", func() { res.cycles = DetectCycles(g) }); err != nil {
			return err
		}
		done <- finished{PhaseDetectingCycles, fmt.Sprintf("%d cycles found", len(res.cycles))}
		return nil
	})
	grp.Go(func() error {
		if err := e.guard("smurfing", func() { res.fans = DetectSmurfing(g) }); err != nil {
			return err
		}
		done <- finished{PhaseDetectingSmurfs, fmt.Sprintf("%d fan patterns found", len(res.fans))}
		return nil
	})
	grp.Go(func() error {
		if err := e.guard("shell_networks", func() { res.chains = DetectShellNetworks(g) }); err != nil {
			return err
		}
		done <- finished{PhaseDetectingShells, fmt.Sprintf("%d shell chains found", len(res.chains))}
		return nil
	})

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- grp.Wait()
		close(done)
	}()
	for f := range done {
		progress(f.phase, f.detail)
	}
	if err := <-waitErr; err != nil {
		return res, err
	}
	return res, ctx.Err()
}

// guard converts a detector panic into ErrDetectorFailed.
func (e *Engine) guard(name string, fn func()) (err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("detector panicked", zap.String("detector", name), zap.Any("panic", r))
			err = fmt.Errorf("%w: %s: %v", ErrDetectorFailed, name, r)
			return
		}
		e.logger.Debug("detector finished", zap.String("detector", name), zap.Duration("elapsed", time.Since(started)))
	}()
	fn()
	return nil
}
