// Package ensemble runs several independent searches with consecutive seeds
// and reports the overall best, in the manner of a master collecting the
// results of its workers.
package ensemble

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/labsearch/internal/optimization"
	"github.com/copyleftdev/labsearch/internal/optimization/labs"
)

// ErrInvalidRuns is returned when fewer than one run is requested.
var ErrInvalidRuns = optimization.NewError("run count must be at least 1")

// Config describes a group of runs. Search.Seed is the seed of run 0; run r
// uses labs.DeriveSeed(Search.Seed, r).
type Config struct {
	Search labs.Config
	Runs   int
	// Concurrency caps the number of runs in flight; 0 means GOMAXPROCS.
	Concurrency int
	// RunObserver, if set, returns an extra observer for run r.
	RunObserver func(r int) labs.Observer
}

// RunResult is the outcome of one run.
type RunResult struct {
	Run    int
	Seed   int64
	Result *optimization.Result
}

// Summary aggregates all runs.
type Summary struct {
	Runs []RunResult
	// Best has the lowest score; ties go to the lowest run index.
	Best RunResult

	MeanScore   float64
	StdDevScore float64
	Evaluations int
	Elapsed     time.Duration
}

// Speed returns the combined evaluations per second.
func (s *Summary) Speed() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Evaluations) / s.Elapsed.Seconds()
}

// Run executes cfg.Runs searches concurrently. Options are shared by every
// run, so observers passed here must be safe for concurrent use. The first
// failing run cancels the others and its error is returned.
func Run(ctx context.Context, cfg Config, opts ...labs.Option) (*Summary, error) {
	if cfg.Runs < 1 {
		return nil, optimization.WrapErrorf(ErrInvalidRuns, "runs %d", cfg.Runs).
			WithComponent("ensemble").WithOperation("validate")
	}
	if err := cfg.Search.Validate(); err != nil {
		return nil, err
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	results := make([]RunResult, cfg.Runs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for r := 0; r < cfg.Runs; r++ {
		r := r
		g.Go(func() error {
			runCfg := cfg.Search
			runCfg.Seed = labs.DeriveSeed(cfg.Search.Seed, r)
			runOpts := opts
			if cfg.RunObserver != nil {
				runOpts = append(opts[:len(opts):len(opts)], labs.WithObserver(cfg.RunObserver(r)))
			}
			res, err := labs.Search(gctx, runCfg, runOpts...)
			if err != nil {
				return optimization.WrapErrorf(err, "run %d", r).WithComponent("ensemble").WithOperation("run")
			}
			results[r] = RunResult{Run: r, Seed: runCfg.Seed, Result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return summarize(results, time.Since(start)), nil
}

func summarize(results []RunResult, elapsed time.Duration) *Summary {
	s := &Summary{Runs: results, Best: results[0], Elapsed: elapsed}
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Result.Score
		s.Evaluations += r.Result.Evaluations
		if r.Result.Score < s.Best.Result.Score {
			s.Best = r
		}
	}
	if len(scores) > 1 {
		s.MeanScore, s.StdDevScore = stat.MeanStdDev(scores, nil)
	} else {
		s.MeanScore = scores[0]
	}
	return s
}
