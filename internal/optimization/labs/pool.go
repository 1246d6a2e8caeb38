package labs

import (
	"math"
	"sync"

	"github.com/copyleftdev/labsearch/internal/optimization"
)

// scanTask asks one worker to score the neighbors lo..hi-1 of view.
type scanTask struct {
	view   View
	lo, hi int
}

// scanResult is the local minimum of one chunk.
type scanResult struct {
	chunk int
	index int
	score int
	err   error
}

// workerPool scores neighbor chunks on long-lived goroutines. It is created
// once per run and reused for every scan, and is driven by a single
// goroutine: scan must not be called concurrently.
type workerPool struct {
	scorer  Scorer
	chunks  [][2]int
	tasks   []chan scanTask
	results chan scanResult
	partial []scanResult
	wg      sync.WaitGroup
}

// newWorkerPool partitions [0, n) into at most workers contiguous chunks and
// starts one goroutine per chunk.
func newWorkerPool(scorer Scorer, n, workers int) *workerPool {
	if workers > n {
		workers = n
	}
	p := &workerPool{
		scorer:  scorer,
		chunks:  partition(n, workers),
		tasks:   make([]chan scanTask, workers),
		results: make(chan scanResult, workers),
		partial: make([]scanResult, workers),
	}
	p.wg.Add(workers)
	for w := range p.tasks {
		p.tasks[w] = make(chan scanTask, 1)
		go p.run(w)
	}
	return p
}

// partition splits [0, n) into parts contiguous ranges whose sizes differ by
// at most one.
func partition(n, parts int) [][2]int {
	out := make([][2]int, parts)
	base, rem := n/parts, n%parts
	lo := 0
	for i := range out {
		size := base
		if i < rem {
			size++
		}
		out[i] = [2]int{lo, lo + size}
		lo += size
	}
	return out
}

func (p *workerPool) run(w int) {
	defer p.wg.Done()
	for task := range p.tasks[w] {
		p.results <- p.evaluate(w, task)
	}
}

func (p *workerPool) evaluate(w int, task scanTask) (res scanResult) {
	res = scanResult{chunk: w, index: -1, score: math.MaxInt}
	defer func() {
		if r := recover(); r != nil {
			res.err = optimization.WrapErrorf(optimization.ErrWorkerFailed, "worker %d: %v", w, r).
				WithComponent("labs").WithOperation("scan")
		}
	}()
	for i := task.lo; i < task.hi; i++ {
		if s := p.scorer.Neighbor(task.view, i); s < res.score {
			res.index = i
			res.score = s
		}
	}
	return res
}

// scan scores every neighbor of view and returns the lowest score with the
// lowest index among ties. It returns only after every worker has reported.
func (p *workerPool) scan(view View) (int, int, error) {
	for w, ch := range p.tasks {
		ch <- scanTask{view: view, lo: p.chunks[w][0], hi: p.chunks[w][1]}
	}
	for range p.tasks {
		r := <-p.results
		p.partial[r.chunk] = r
	}

	bestIndex, bestScore := -1, math.MaxInt
	for _, r := range p.partial {
		if r.err != nil {
			return -1, 0, r.err
		}
		if r.score < bestScore {
			bestIndex = r.index
			bestScore = r.score
		}
	}
	return bestIndex, bestScore, nil
}

// close stops the workers and waits for them to exit.
func (p *workerPool) close() {
	for _, ch := range p.tasks {
		close(ch)
	}
	p.wg.Wait()
}

// Workers returns the number of goroutines in the pool.
func (p *workerPool) Workers() int {
	return len(p.tasks)
}
