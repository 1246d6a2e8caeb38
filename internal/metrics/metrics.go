// Package metrics exposes search progress as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/labsearch/internal/optimization/labs"
)

// Recorder turns driver events into Prometheus metrics. It implements
// labs.Observer and is safe for concurrent use by several drivers.
type Recorder struct {
	evaluations *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	moves       *prometheus.CounterVec
	searches    *prometheus.CounterVec
	bestScore   *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labs",
			Name:      "evaluations_total",
			Help:      "Score evaluations performed by finished searches.",
		}, []string{"objective"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labs",
			Name:      "restarts_total",
			Help:      "Random restarts.",
		}, []string{"objective"}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labs",
			Name:      "moves_total",
			Help:      "Committed bit flips.",
		}, []string{"objective"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labs",
			Name:      "searches_total",
			Help:      "Finished searches.",
		}, []string{"objective", "strategy"}),
		bestScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "labs",
			Name:      "best_score",
			Help:      "Best score of the most recently finished search.",
		}, []string{"objective"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labs",
			Name:      "search_duration_seconds",
			Help:      "Wall time of finished searches.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"objective"}),
	}

	for _, c := range []prometheus.Collector{r.evaluations, r.restarts, r.moves, r.searches, r.bestScore, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements labs.Observer.
func (r *Recorder) Observe(e labs.Event) {
	objective := e.Objective.String()
	switch e.Kind {
	case labs.EventRestarted:
		r.restarts.WithLabelValues(objective).Inc()
	case labs.EventMoved:
		r.moves.WithLabelValues(objective).Inc()
	case labs.EventFinished:
		r.evaluations.WithLabelValues(objective).Add(float64(e.Evaluations))
		r.searches.WithLabelValues(objective, e.Strategy.String()).Inc()
		r.bestScore.WithLabelValues(objective).Set(float64(e.Best))
		r.duration.WithLabelValues(objective).Observe(e.Elapsed.Seconds())
	}
}
