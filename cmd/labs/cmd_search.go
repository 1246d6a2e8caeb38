package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/labsearch/internal/config"
	"github.com/copyleftdev/labsearch/internal/ensemble"
	"github.com/copyleftdev/labsearch/internal/logging"
	"github.com/copyleftdev/labsearch/internal/optimization"
	"github.com/copyleftdev/labsearch/internal/optimization/labs"
)

type searchOptions struct {
	objective string
	strategy  string
	length    int
	budget    int
	seed      int64
	workers   int
	runs      int
	timeout   time.Duration
	output    string
}

func newSearchCmd(cfg *config.Config) *cobra.Command {
	opts := &searchOptions{
		objective: cfg.Search.Objective,
		strategy:  cfg.Search.Strategy,
		length:    cfg.Search.Length,
		budget:    cfg.Search.Budget,
		seed:      cfg.Search.Seed,
		workers:   cfg.Search.Workers,
		runs:      cfg.Search.Runs,
	}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a budgeted local search and print the best sequence found",
		Example: `  labs search -L 64 -n 1000000 --seed 7
  labs search --objective psl --strategy first -L 101 --runs 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.objective, "objective", "o", opts.objective, "objective to minimise: energy or psl")
	f.StringVarP(&opts.strategy, "strategy", "s", opts.strategy, "neighborhood policy: best, first or random")
	f.IntVarP(&opts.length, "length", "L", opts.length, "sequence length")
	f.IntVarP(&opts.budget, "nfes", "n", opts.budget, "evaluation budget per run")
	f.Int64Var(&opts.seed, "seed", opts.seed, "seed of the first run")
	f.IntVarP(&opts.workers, "workers", "w", opts.workers, "neighbor workers per run; 1 scans sequentially")
	f.IntVarP(&opts.runs, "runs", "r", opts.runs, "independent runs with consecutive seeds")
	f.DurationVar(&opts.timeout, "timeout", 0, "abandon the search after this long (0 means no limit)")
	f.StringVar(&opts.output, "output", "text", "output format: text, json or yaml")
	return cmd
}

func (o *searchOptions) config() (labs.Config, error) {
	objective, err := optimization.ParseObjective(o.objective)
	if err != nil {
		return labs.Config{}, err
	}
	strategy, err := optimization.ParseStrategy(o.strategy)
	if err != nil {
		return labs.Config{}, err
	}
	return labs.Config{
		Objective: objective,
		Strategy:  strategy,
		Length:    o.length,
		Budget:    o.budget,
		Seed:      o.seed,
		Workers:   o.workers,
	}, nil
}

func runSearch(ctx context.Context, out io.Writer, o *searchOptions) error {
	searchCfg, err := o.config()
	if err != nil {
		return err
	}
	switch o.output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	logger := zap.NewNop()
	if verbose {
		logger = logging.NewZapLogger(logging.New(logging.DebugLevel, os.Stderr))
	}

	summary, err := ensemble.Run(ctx, ensemble.Config{Search: searchCfg, Runs: o.runs}, labs.WithLogger(logger))
	if err != nil {
		return err
	}
	switch o.output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(newReport(searchCfg, summary))
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(newReport(searchCfg, summary))
	}
	printSummary(out, searchCfg, summary)
	return nil
}

// report is the machine readable form of a search summary.
type report struct {
	Objective   string  `json:"objective" yaml:"objective"`
	Strategy    string  `json:"strategy" yaml:"strategy"`
	Length      int     `json:"length" yaml:"length"`
	Sequence    string  `json:"sequence" yaml:"sequence"`
	Score       float64 `json:"score" yaml:"score"`
	Energy      int     `json:"energy" yaml:"energy"`
	PSL         int     `json:"psl" yaml:"psl"`
	MeritFactor float64 `json:"merit_factor" yaml:"merit_factor"`
	Runs        int     `json:"runs" yaml:"runs"`
	BestRun     int     `json:"best_run" yaml:"best_run"`
	Seed        int64   `json:"seed" yaml:"seed"`
	MeanScore   float64 `json:"mean_score" yaml:"mean_score"`
	StdDevScore float64 `json:"stddev_score" yaml:"stddev_score"`
	Evaluations int     `json:"evaluations" yaml:"evaluations"`
	ElapsedMs   float64 `json:"elapsed_ms" yaml:"elapsed_ms"`
	Speed       float64 `json:"evaluations_per_second" yaml:"evaluations_per_second"`
}

func newReport(cfg labs.Config, s *ensemble.Summary) report {
	best := s.Best.Result
	return report{
		Objective:   cfg.Objective.String(),
		Strategy:    cfg.Strategy.String(),
		Length:      cfg.Length,
		Sequence:    best.Sequence.String(),
		Score:       best.Score,
		Energy:      best.Sequence.Energy(),
		PSL:         best.Sequence.PSL(),
		MeritFactor: best.MeritFactor(),
		Runs:        len(s.Runs),
		BestRun:     s.Best.Run,
		Seed:        s.Best.Seed,
		MeanScore:   s.MeanScore,
		StdDevScore: s.StdDevScore,
		Evaluations: s.Evaluations,
		ElapsedMs:   float64(s.Elapsed.Microseconds()) / 1000.0,
		Speed:       s.Speed(),
	}
}

func printSummary(out io.Writer, cfg labs.Config, s *ensemble.Summary) {
	best := s.Best.Result
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "objective:\t%s\n", cfg.Objective)
	fmt.Fprintf(w, "strategy:\t%s\n", cfg.Strategy)
	fmt.Fprintf(w, "length:\t%d\n", cfg.Length)
	fmt.Fprintf(w, "sequence:\t%s\n", best.Sequence)
	fmt.Fprintf(w, "score:\t%g\n", best.Score)
	fmt.Fprintf(w, "energy:\t%d\n", best.Sequence.Energy())
	fmt.Fprintf(w, "psl:\t%d\n", best.Sequence.PSL())
	fmt.Fprintf(w, "merit factor:\t%.4f\n", best.MeritFactor())
	if len(s.Runs) > 1 {
		fmt.Fprintf(w, "runs:\t%d (best run %d, seed %d)\n", len(s.Runs), s.Best.Run, s.Best.Seed)
		fmt.Fprintf(w, "mean score:\t%.3f (stddev %.3f)\n", s.MeanScore, s.StdDevScore)
	} else {
		fmt.Fprintf(w, "seed:\t%d\n", s.Best.Seed)
		fmt.Fprintf(w, "restarts:\t%d\n", best.Restarts)
		fmt.Fprintf(w, "moves:\t%d\n", best.Moves)
	}
	fmt.Fprintf(w, "evaluations:\t%d\n", s.Evaluations)
	fmt.Fprintf(w, "elapsed:\t%s\n", s.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "speed:\t%.0f evaluations/s\n", s.Speed())
	_ = w.Flush()
}
