package server

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/copyleftdev/labsearch/internal/ensemble"
	"github.com/copyleftdev/labsearch/internal/optimization/labs"
)

// JobStatus is the lifecycle state of a search job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one search request, possibly made of several runs. Progress
// counters are written by the search goroutines and read by status calls
// without taking the job lock.
type Job struct {
	ID     string
	Config labs.Config
	Runs   int

	mu          sync.Mutex
	status      JobStatus
	startTime   time.Time
	endTime     time.Time
	lastUpdated time.Time
	summary     *ensemble.Summary
	err         error
	cancel      context.CancelFunc

	evaluations []atomic.Int64 // per run
	best        atomic.Int64
}

func newJob(id string, cfg labs.Config, runs int, cancel context.CancelFunc) *Job {
	now := time.Now()
	j := &Job{
		ID:          id,
		Config:      cfg,
		Runs:        runs,
		status:      StatusPending,
		startTime:   now,
		lastUpdated: now,
		cancel:      cancel,
		evaluations: make([]atomic.Int64, runs),
	}
	j.best.Store(math.MaxInt64)
	return j
}

// observer returns the progress observer for run r.
func (j *Job) observer(r int) labs.Observer {
	return labs.ObserverFunc(func(e labs.Event) {
		j.evaluations[r].Store(int64(e.Evaluations))
		best := int64(e.Best)
		for {
			cur := j.best.Load()
			if best >= cur || j.best.CompareAndSwap(cur, best) {
				return
			}
		}
	})
}

// Evaluations returns the evaluations spent so far over all runs.
func (j *Job) Evaluations() int64 {
	var total int64
	for i := range j.evaluations {
		total += j.evaluations[i].Load()
	}
	return total
}

// Progress is the fraction of the total budget spent, in [0, 1].
func (j *Job) Progress() float64 {
	total := float64(j.Config.Budget) * float64(j.Runs)
	if total == 0 {
		return 0
	}
	return math.Min(1, float64(j.Evaluations())/total)
}

// BestScore returns the best score seen so far, if any.
func (j *Job) BestScore() (int, bool) {
	b := j.best.Load()
	if b == math.MaxInt64 {
		return 0, false
	}
	return int(b), true
}

func (j *Job) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusPending {
		j.status = StatusRunning
		j.lastUpdated = time.Now()
	}
}

// finish records the outcome unless the job was already cancelled.
func (j *Job) finish(summary *ensemble.Summary, err error) JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	j.lastUpdated = now
	if j.status == StatusCancelled {
		return j.status
	}
	j.endTime = now
	if err != nil {
		j.status = StatusFailed
		j.err = err
		return j.status
	}
	j.status = StatusCompleted
	j.summary = summary
	return j.status
}

func (j *Job) ended() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.endTime
}

// requestCancel cancels a live job. It returns false for terminal jobs.
func (j *Job) requestCancel() (JobStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return j.status, false
	}
	j.cancel()
	now := time.Now()
	j.status = StatusCancelled
	j.endTime = now
	j.lastUpdated = now
	return j.status, true
}

// snapshot copies the mutable state under the lock.
func (j *Job) snapshot() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := JobView{
		ID:          j.ID,
		Status:      j.status,
		Objective:   j.Config.Objective.String(),
		Strategy:    j.Config.Strategy.String(),
		Length:      j.Config.Length,
		Budget:      j.Config.Budget,
		Seed:        j.Config.Seed,
		Workers:     j.Config.Workers,
		Runs:        j.Runs,
		Progress:    j.Progress(),
		Evaluations: j.Evaluations(),
		StartTime:   j.startTime.Format(time.RFC3339),
		LastUpdate:  j.lastUpdated.Format(time.RFC3339),
	}
	if best, ok := j.BestScore(); ok {
		v.BestScore = &best
	}
	if !j.endTime.IsZero() {
		v.EndTime = j.endTime.Format(time.RFC3339)
	}
	if j.err != nil {
		v.Error = j.err.Error()
	}
	if j.summary != nil {
		v.Result = newResultView(j.summary)
	}
	return v
}

// JobView is the wire form of a job.
type JobView struct {
	ID          string      `json:"id"`
	Status      JobStatus   `json:"status"`
	Objective   string      `json:"objective"`
	Strategy    string      `json:"strategy"`
	Length      int         `json:"length"`
	Budget      int         `json:"nfes"`
	Seed        int64       `json:"seed"`
	Workers     int         `json:"workers"`
	Runs        int         `json:"runs"`
	Progress    float64     `json:"progress"`
	Evaluations int64       `json:"evaluations"`
	BestScore   *int        `json:"best_score,omitempty"`
	StartTime   string      `json:"start_time"`
	LastUpdate  string      `json:"last_update"`
	EndTime     string      `json:"end_time,omitempty"`
	Error       string      `json:"error,omitempty"`
	Result      *ResultView `json:"result,omitempty"`
}

// ResultView is the wire form of a finished job's best run.
type ResultView struct {
	Sequence    string  `json:"sequence"`
	Score       float64 `json:"score"`
	Energy      int     `json:"energy"`
	PSL         int     `json:"psl"`
	MeritFactor float64 `json:"merit_factor"`
	Run         int     `json:"run"`
	Seed        int64   `json:"seed"`
	Evaluations int     `json:"evaluations"`
	Restarts    int     `json:"restarts"`
	Moves       int     `json:"moves"`
	ElapsedMs   float64 `json:"elapsed_ms"`
	Speed       float64 `json:"evaluations_per_second"`
	MeanScore   float64 `json:"mean_score"`
	StdDevScore float64 `json:"stddev_score"`
}

func newResultView(s *ensemble.Summary) *ResultView {
	best := s.Best.Result
	return &ResultView{
		Sequence:    best.Sequence.String(),
		Score:       best.Score,
		Energy:      best.Sequence.Energy(),
		PSL:         best.Sequence.PSL(),
		MeritFactor: best.MeritFactor(),
		Run:         s.Best.Run,
		Seed:        s.Best.Seed,
		Evaluations: s.Evaluations,
		Restarts:    best.Restarts,
		Moves:       best.Moves,
		ElapsedMs:   float64(s.Elapsed.Microseconds()) / 1000.0,
		Speed:       s.Speed(),
		MeanScore:   s.MeanScore,
		StdDevScore: s.StdDevScore,
	}
}
