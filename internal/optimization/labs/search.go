package labs

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

// Config contains the parameters of one search run
type Config struct {
	// Objective to minimise
	Objective optimization.Objective

	// Neighborhood policy, BestImprovement by default
	Strategy optimization.Strategy

	// Sequence length L, at least 2
	Length int

	// Maximum number of score evaluations (nfes), at least 1
	Budget int

	// Seed of the run's random stream
	Seed int64

	// Neighbor workers; 1 scans sequentially without a pool
	Workers int
}

// Validate checks the preconditions of a run.
func (c Config) Validate() error {
	if c.Length < 2 {
		return optimization.WrapErrorf(optimization.ErrInvalidLength, "length %d", c.Length).
			WithComponent("labs").WithOperation("validate")
	}
	if c.Budget < 1 {
		return optimization.WrapErrorf(optimization.ErrInvalidBudget, "budget %d", c.Budget).
			WithComponent("labs").WithOperation("validate")
	}
	if c.Workers < 1 {
		return optimization.WrapErrorf(optimization.ErrInvalidParallelism, "workers %d", c.Workers).
			WithComponent("labs").WithOperation("validate")
	}
	if !c.Objective.Valid() {
		return optimization.WrapErrorf(optimization.ErrInvalidObjective, "objective %d", int(c.Objective)).
			WithComponent("labs").WithOperation("validate")
	}
	if !c.Strategy.Valid() {
		return optimization.WrapErrorf(optimization.ErrInvalidStrategy, "strategy %d", int(c.Strategy)).
			WithComponent("labs").WithOperation("validate")
	}
	return nil
}

// Option customises a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for progress messages.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver registers an observer for driver events. Repeated options
// add observers; they are called in registration order.
func WithObserver(observer Observer) Option {
	return func(d *Driver) {
		if observer == nil {
			return
		}
		if _, nop := d.observer.(nopObserver); nop {
			d.observer = observer
			return
		}
		d.observer = Observers(d.observer, observer)
	}
}

// Driver runs local search over binary sequences. A Driver can run Search
// any number of times; every run starts from a fresh random stream seeded
// with Config.Seed, so runs with equal configs return equal results.
type Driver struct {
	cfg      Config
	scorer   Scorer
	logger   *zap.Logger
	observer Observer

	// per-run state; only the driver goroutine writes it
	rng          *RandomStream
	current      *Cache
	currentScore int
	best         optimization.Sequence
	bestScore    int
	scratch      optimization.Sequence
	n            int
	restarts     int
	moves        int
	pool         *workerPool
	start        time.Time
}

// New validates cfg and creates a Driver.
func New(cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scorer, err := ScorerFor(cfg.Objective)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:      cfg,
		scorer:   scorer,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Search validates cfg and runs a single search.
func Search(ctx context.Context, cfg Config, opts ...Option) (*optimization.Result, error) {
	d, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return d.Search(ctx)
}

// Config returns the driver configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// Search runs until the evaluation budget is exhausted and returns the best
// sequence seen. The context is checked between outer iterations; on
// cancellation Search returns ctx.Err().
func (d *Driver) Search(ctx context.Context) (*optimization.Result, error) {
	d.reset()
	if d.cfg.Workers > 1 && d.cfg.Strategy == optimization.BestImprovement {
		d.pool = newWorkerPool(d.scorer, d.cfg.Length, d.cfg.Workers)
		defer func() {
			d.pool.close()
			d.pool = nil
		}()
	}

	var err error
	switch d.cfg.Strategy {
	case optimization.FirstImprovement:
		err = d.firstImprovement(ctx)
	case optimization.RandomSampling:
		err = d.randomSampling(ctx)
	default:
		err = d.bestImprovement(ctx)
	}
	if err != nil {
		d.logger.Warn("search aborted",
			zap.String("objective", d.cfg.Objective.String()),
			zap.Int("evaluations", d.n),
			zap.Error(err))
		return nil, err
	}

	result := d.result()
	d.emit(EventFinished)
	d.logger.Info("search finished",
		zap.String("objective", d.cfg.Objective.String()),
		zap.String("strategy", d.cfg.Strategy.String()),
		zap.Int("length", d.cfg.Length),
		zap.Int("evaluations", result.Evaluations),
		zap.Int("restarts", result.Restarts),
		zap.Int("best", d.bestScore),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (d *Driver) reset() {
	d.rng = NewRandomStream(d.cfg.Seed)
	d.current = NewCache(d.cfg.Length)
	d.scratch = make(optimization.Sequence, d.cfg.Length)
	d.best = nil
	d.n, d.restarts, d.moves = 0, 0, 0
	d.start = time.Now()
}

// spend consumes one evaluation, or reports false when the budget is gone.
func (d *Driver) spend() bool {
	if d.n >= d.cfg.Budget {
		return false
	}
	d.n++
	return true
}

func (d *Driver) exhausted() bool {
	return d.n >= d.cfg.Budget
}

// initialize draws the first sequence and records it as best. It always fits in
// the budget because Budget >= 1.
func (d *Driver) initialize() {
	d.spend()
	d.rng.Fill(d.scratch)
	d.current.Reset(d.scratch)
	d.currentScore = d.scorer.Score(d.current.View())
	d.best = d.current.Sequence()
	d.bestScore = d.currentScore
	d.emit(EventStarted)
}

// restart replaces the current sequence with a fresh random one. The best
// pair is not touched. It reports false when the budget cannot pay for it.
func (d *Driver) restart() bool {
	if !d.spend() {
		return false
	}
	d.rng.Fill(d.scratch)
	d.current.Reset(d.scratch)
	d.currentScore = d.scorer.Score(d.current.View())
	d.restarts++
	d.emit(EventRestarted)
	d.logger.Debug("restart",
		zap.Int("evaluations", d.n),
		zap.Int("score", d.currentScore),
		zap.Int("best", d.bestScore))
	return true
}

// commit flips bit i whose neighbor score was already paid for during the scan.
func (d *Driver) commit(i, score int) {
	d.current.Flip(i)
	d.currentScore = score
	d.moves++
	d.emit(EventMoved)
	if d.currentScore < d.bestScore {
		d.improve()
	}
}

func (d *Driver) improve() {
	d.best = d.current.Sequence()
	d.bestScore = d.currentScore
	d.emit(EventImproved)
	d.logger.Debug("improved",
		zap.Int("evaluations", d.n),
		zap.Int("best", d.bestScore))
}

func (d *Driver) bestImprovement(ctx context.Context) error {
	d.initialize()
	for !d.exhausted() {
		if err := ctx.Err(); err != nil {
			return err
		}
		index, score, ok, err := d.scan()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if score >= d.currentScore {
			if !d.restart() {
				return nil
			}
			continue
		}
		d.commit(index, score)
	}
	return nil
}

// scan scores every neighbor of the current sequence and returns the first
// index with the lowest score. ok is false when the budget ran out before the
// scan completed; the partial scan is then discarded.
func (d *Driver) scan() (index, score int, ok bool, err error) {
	view := d.current.View()
	if d.pool != nil {
		if d.cfg.Budget-d.n < d.cfg.Length {
			d.n = d.cfg.Budget
			return -1, 0, false, nil
		}
		d.n += d.cfg.Length
		index, score, err = d.pool.scan(view)
		return index, score, err == nil, err
	}

	index, score = -1, math.MaxInt
	for i := 0; i < d.cfg.Length; i++ {
		if !d.spend() {
			return -1, 0, false, nil
		}
		if s := d.scorer.Neighbor(view, i); s < score {
			index = i
			score = s
		}
	}
	return index, score, true, nil
}

// firstImprovementSteps is the walk length, in multiples of L, before a
// first-improvement walk restarts.
const firstImprovementSteps = 8

func (d *Driver) firstImprovement(ctx context.Context) error {
	d.initialize()
	n := d.cfg.Length
	limit := firstImprovementSteps * n
	step := 0
	for !d.exhausted() {
		if err := ctx.Err(); err != nil {
			return err
		}
		view := d.current.View()
		offset := d.rng.Intn(n)
		index, score := -1, math.MaxInt
		for j := 0; j < n; j++ {
			i := (offset + j) % n
			if !d.spend() {
				return nil
			}
			s := d.scorer.Neighbor(view, i)
			if s < score {
				index = i
				score = s
			}
			if s < d.currentScore {
				break
			}
		}
		d.commit(index, score)

		step++
		if step >= limit {
			if !d.restart() {
				return nil
			}
			step = 0
		}
	}
	return nil
}

func (d *Driver) randomSampling(ctx context.Context) error {
	d.initialize()
	for !d.exhausted() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.restart() {
			return nil
		}
		if d.currentScore < d.bestScore {
			d.improve()
		}
	}
	return nil
}

func (d *Driver) emit(kind EventKind) {
	d.observer.Observe(Event{
		Kind:        kind,
		Objective:   d.cfg.Objective,
		Strategy:    d.cfg.Strategy,
		Evaluations: d.n,
		Budget:      d.cfg.Budget,
		Score:       d.currentScore,
		Best:        d.bestScore,
		Elapsed:     time.Since(d.start),
	})
}

func (d *Driver) result() *optimization.Result {
	return &optimization.Result{
		Sequence:    d.best.Clone(),
		Score:       float64(d.bestScore),
		Objective:   d.cfg.Objective,
		Strategy:    d.cfg.Strategy,
		Length:      d.cfg.Length,
		Seed:        d.cfg.Seed,
		Evaluations: d.n,
		Restarts:    d.restarts,
		Moves:       d.moves,
		Elapsed:     time.Since(d.start),
	}
}
