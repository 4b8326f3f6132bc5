package server

import (
	"fmt"
	"net/http"
	"os"
	"sync"
)

// PoolEventKind tags a pool-level notification.
type PoolEventKind int

const (
	PoolWorkerSpawning PoolEventKind = iota
	PoolWorkerSpawn
	PoolWorkerReady
	PoolWorkerBusy
	PoolWorkerQuitting
	PoolWorkerExit
	PoolWorkerError
	PoolReady // ready-count 0->positive edge, at most once between two PoolExit
	PoolExit  // alive-count positive->0 edge, at most once between two PoolReady
)

// PoolEvent is one notification forwarded (or synthesised) by the pool.
type PoolEvent struct {
	Kind   PoolEventKind
	Worker *Worker
	Err    error
}

// PoolStats summarises worker counts by state: how many exist, how many
// are ready or busy, and how many are alive in any non-absent state.
type PoolStats struct {
	Workers int
	Ready   int
	Busy    int
	Alive   int
}

// WorkerPool owns a fixed-size (until Increment/Decrement) set of
// Workers, scheduling across them with round-robin-plus-readiness, and
// aggregating their stdout/stderr into two tagged fan-in streams.
type WorkerPool struct {
	configPath string
	opts       WorkerOptions

	mu      sync.Mutex
	workers []*Worker
	cursor  int

	Stdout *AggregateStream
	Stderr *AggregateStream

	subMu sync.Mutex
	subs  map[chan PoolEvent]struct{}

	readyCount int
	aliveCount int
}

// NewPool creates size Workers (constructed, not yet spawned) against
// configPath, which must exist at construction time.
func NewPool(configPath string, size int, opts WorkerOptions) (*WorkerPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigMissing, configPath)
	}

	p := &WorkerPool{
		configPath: configPath,
		opts:       opts,
		Stdout:     NewAggregateStream(),
		Stderr:     NewAggregateStream(),
		subs:       make(map[chan PoolEvent]struct{}),
	}

	for i := 0; i < size; i++ {
		w, err := NewWorker(configPath, opts)
		if err != nil {
			return nil, err
		}
		p.addWorker(w)
	}
	return p, nil
}

func (p *WorkerPool) addWorker(w *Worker) int {
	p.mu.Lock()
	idx := len(p.workers)
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	go p.watch(w, idx)
	return idx
}

// Subscribe returns a channel receiving every pool event from this
// point forward, and a cancel function that must be called to release
// it. Multiple independent subscribers (an external log tailer, an
// internal Restart callback wait) can coexist.
func (p *WorkerPool) Subscribe() (<-chan PoolEvent, func()) {
	ch := make(chan PoolEvent, 128)
	p.subMu.Lock()
	p.subs[ch] = struct{}{}
	p.subMu.Unlock()
	return ch, func() {
		p.subMu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.subMu.Unlock()
	}
}

func (p *WorkerPool) emit(ev PoolEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber drops the event, mirroring AggregateStream
		}
	}
}

func (p *WorkerPool) watch(w *Worker, idx int) {
	for ev := range w.Events() {
		switch ev.Kind {
		case EventSpawning:
			p.emit(PoolEvent{Kind: PoolWorkerSpawning, Worker: w})
		case EventSpawned:
			if r := w.Stdout(); r != nil {
				p.Stdout.Register(r, idx)
			}
			if r := w.Stderr(); r != nil {
				p.Stderr.Register(r, idx)
			}
			p.emit(PoolEvent{Kind: PoolWorkerSpawn, Worker: w})
		case EventReady:
			p.emit(PoolEvent{Kind: PoolWorkerReady, Worker: w})
		case EventBusy:
			p.emit(PoolEvent{Kind: PoolWorkerBusy, Worker: w})
		case EventIdle:
			// no pool-level counterpart; the worker quits itself
		case EventQuitting:
			p.emit(PoolEvent{Kind: PoolWorkerQuitting, Worker: w})
		case EventExit:
			p.emit(PoolEvent{Kind: PoolWorkerExit, Worker: w, Err: ev.Err})
		case EventError:
			p.emit(PoolEvent{Kind: PoolWorkerError, Worker: w, Err: ev.Err})
		}
		p.recomputeAndEmitEdges()
	}
}

// recomputeAndEmitEdges derives ready-count and alive-count from actual
// worker states (never incremented/decremented independently, so it
// cannot drift) and emits the pool-level ready/exit edge events.
func (p *WorkerPool) recomputeAndEmitEdges() {
	p.mu.Lock()
	ready, alive := 0, 0
	for _, w := range p.workers {
		switch w.State() {
		case WorkerReady:
			ready++
			alive++
		case WorkerBusy, WorkerSpawning, WorkerQuitting:
			alive++
		}
	}
	prevReady, prevAlive := p.readyCount, p.aliveCount
	p.readyCount, p.aliveCount = ready, alive
	p.mu.Unlock()

	if prevReady == 0 && ready > 0 {
		p.emit(PoolEvent{Kind: PoolReady})
	}
	if prevAlive > 0 && alive == 0 {
		p.emit(PoolEvent{Kind: PoolExit})
	}
}

// NextWorker prefers any worker currently ready, scanning in insertion
// order; otherwise it returns the worker at the round-robin cursor and
// advances it modulo pool size.
func (p *WorkerPool) NextWorker() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.State() == WorkerReady {
			return w
		}
	}

	n := len(p.workers)
	if n == 0 {
		return nil
	}
	w := p.workers[p.cursor]
	p.cursor = (p.cursor + 1) % n
	return w
}

func (p *WorkerPool) snapshot() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Spawn spawns every worker in the pool.
func (p *WorkerPool) Spawn() error {
	var firstErr error
	for _, w := range p.snapshot() {
		if err := w.Spawn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Quit broadcasts a graceful quit to every worker.
func (p *WorkerPool) Quit() {
	for _, w := range p.snapshot() {
		_ = w.Quit()
	}
}

// Terminate broadcasts a forcible terminate to every worker.
func (p *WorkerPool) Terminate() {
	for _, w := range p.snapshot() {
		_ = w.Terminate()
	}
}

// Increment appends a new Worker, growing the pool beyond its initial size.
func (p *WorkerPool) Increment() (*Worker, error) {
	w, err := NewWorker(p.configPath, p.opts)
	if err != nil {
		return nil, err
	}
	p.addWorker(w)
	return w, nil
}

// Decrement removes the head Worker and tells it to quit.
func (p *WorkerPool) Decrement() {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.workers[0]
	p.workers = p.workers[1:]
	if p.cursor > 0 {
		p.cursor--
	}
	p.mu.Unlock()
	_ = w.Quit()
}

// Restart restarts every alive worker (quit, then spawn once it has
// exited). If no workers are alive, cb fires immediately. Otherwise cb
// is wired to fire once on the next worker:ready before restart is
// called on every alive worker.
func (p *WorkerPool) Restart(cb func()) {
	workers := p.snapshot()

	alive := false
	for _, w := range workers {
		if w.State() != WorkerAbsent {
			alive = true
			break
		}
	}

	if !alive {
		if cb != nil {
			cb()
		}
		return
	}

	if cb != nil {
		sub, cancel := p.Subscribe()
		go func() {
			defer cancel()
			for ev := range sub {
				if ev.Kind == PoolWorkerReady {
					cb()
					return
				}
			}
		}()
	}

	for _, w := range workers {
		if w.State() == WorkerAbsent {
			continue
		}
		go func(w *Worker) { _ = w.restart() }(w)
	}
}

// Proxy selects a worker and delegates a full proxied HTTP exchange to it.
func (p *WorkerPool) Proxy(req *http.Request, resp http.ResponseWriter) error {
	w := p.NextWorker()
	if w == nil {
		return ErrNoWorkers
	}
	cl, err := w.Dial()
	if err != nil {
		return err
	}
	return cl.ProxyRequest(req, resp)
}

// Stats reports current worker counts by state.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{Workers: len(p.workers)}
	for _, w := range p.workers {
		switch w.State() {
		case WorkerReady:
			st.Ready++
			st.Alive++
		case WorkerBusy:
			st.Busy++
			st.Alive++
		case WorkerSpawning, WorkerQuitting:
			st.Alive++
		}
	}
	return st
}
