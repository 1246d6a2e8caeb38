package labs

import (
	"time"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

// EventKind identifies a driver state transition.
type EventKind int

const (
	// EventStarted follows INIT.
	EventStarted EventKind = iota
	// EventRestarted follows a random restart.
	EventRestarted
	// EventMoved follows a committed flip.
	EventMoved
	// EventImproved follows an update of the best-ever sequence.
	EventImproved
	// EventFinished is emitted once at DONE.
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventRestarted:
		return "restarted"
	case EventMoved:
		return "moved"
	case EventImproved:
		return "improved"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event describes the search state after a transition.
type Event struct {
	Kind        EventKind
	Objective   optimization.Objective
	Strategy    optimization.Strategy
	Evaluations int
	Budget      int
	Score       int
	Best        int
	Elapsed     time.Duration
}

// Observer receives driver events. Observe is called synchronously from the
// driver goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	list := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range list {
			o.Observe(e)
		}
	})
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
