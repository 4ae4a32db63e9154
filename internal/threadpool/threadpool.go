// Package threadpool runs blocking work on a bounded set of worker goroutines
// and hands completions back to the reactor goroutine.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/event"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/metrics"
)

var (
	// ErrNotRunning is returned when jobs are submitted to a stopped pool
	ErrNotRunning = errors.New("thread pool not running")

	// ErrQueueFull is returned by TrySubmit when no queue slot is free
	ErrQueueFull = errors.New("thread pool queue full")

	// ErrAlreadyRunning is returned by Start on a running pool
	ErrAlreadyRunning = errors.New("thread pool already running")
)

// Dispatcher runs a function on the reactor goroutine. It must not block.
type Dispatcher interface {
	Post(fn func())
}

// Options configures worker and queue sizing. Zero fields take defaults.
type Options struct {
	// NThreads fixes the worker count; 0 derives it from the CPU count
	NThreads int
	// MaxThreads caps the derived worker count
	MaxThreads int
	// ThreadsPerCPU multiplies the CPU count
	ThreadsPerCPU int
	// DefNThreads is used when the CPU count is unavailable
	DefNThreads int
	// QueueLen fixes the queue capacity; 0 derives it from the worker count
	QueueLen int
	// MaxQueueLen and MinQueueLen bound the derived queue capacity
	MaxQueueLen int
	MinQueueLen int
	// QueueLenPerThread multiplies the worker count for the queue capacity
	QueueLenPerThread int
}

// DefaultOptions returns the stock sizing.
func DefaultOptions() Options {
	return Options{
		MaxThreads:        constants.DefaultMaxThreads,
		ThreadsPerCPU:     constants.DefaultThreadsPerCPU,
		DefNThreads:       constants.DefaultNThreads,
		MaxQueueLen:       constants.DefaultMaxQueueLen,
		MinQueueLen:       constants.DefaultMinQueueLen,
		QueueLenPerThread: constants.DefaultQueueLenPerThread,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxThreads <= 0 {
		o.MaxThreads = d.MaxThreads
	}
	if o.ThreadsPerCPU <= 0 {
		o.ThreadsPerCPU = d.ThreadsPerCPU
	}
	if o.DefNThreads <= 0 {
		o.DefNThreads = d.DefNThreads
	}
	if o.MaxQueueLen <= 0 {
		o.MaxQueueLen = d.MaxQueueLen
	}
	if o.MinQueueLen <= 0 {
		o.MinQueueLen = d.MinQueueLen
	}
	if o.QueueLenPerThread <= 0 {
		o.QueueLenPerThread = d.QueueLenPerThread
	}
	return o
}

// Threads resolves the worker count for ncpu CPUs; ncpu < 1 means unknown.
func (o Options) Threads(ncpu int) int {
	o = o.withDefaults()
	if o.NThreads > 0 {
		return o.NThreads
	}
	if ncpu < 1 {
		return o.DefNThreads
	}
	n := ncpu * o.ThreadsPerCPU
	if n > o.MaxThreads {
		n = o.MaxThreads
	}
	if n < 1 {
		n = 1
	}
	return n
}

// QueueSize resolves the queue capacity for nthreads workers.
func (o Options) QueueSize(nthreads int) int {
	o = o.withDefaults()
	if o.QueueLen > 0 {
		return o.QueueLen
	}
	n := nthreads * o.QueueLenPerThread
	if n < o.MinQueueLen {
		n = o.MinQueueLen
	}
	if n > o.MaxQueueLen {
		n = o.MaxQueueLen
	}
	return n
}

// Pool is a fixed set of worker goroutines consuming a bounded job queue.
//
// Enqueue, TrySubmit and Active may be called from any goroutine. Tick, Cancel
// and the jobs' Finished events belong to the reactor goroutine.
type Pool struct {
	opts     Options
	dispatch Dispatcher

	running atomic.Bool
	queue   chan *Job
	quit    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	tracked map[*Job]struct{}
}

// New creates a stopped pool whose completions are posted to d.
func New(opts Options, d Dispatcher) *Pool {
	return &Pool{
		opts:     opts.withDefaults(),
		dispatch: d,
		tracked:  make(map[*Job]struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	if p.dispatch == nil {
		return fmt.Errorf("failed to start thread pool: no dispatcher")
	}
	if p.running.Load() {
		return ErrAlreadyRunning
	}
	nthreads := p.opts.Threads(runtime.NumCPU())
	qsize := p.opts.QueueSize(nthreads)

	p.queue = make(chan *Job, qsize)
	p.quit = make(chan struct{})
	for i := 0; i < nthreads; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.running.Store(true)
	metrics.PoolWorkers.Set(float64(nthreads))

	logger.Log.Debug().
		Int("threads", nthreads).
		Int("queue", qsize).
		Msg("Thread pool started")
	return nil
}

// Stop signals the workers and waits for running jobs until ctx expires.
// Queued jobs that never started are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.running.Swap(false) {
		return nil
	}
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("failed to stop thread pool: %w", ctx.Err())
	}

drain:
	for {
		select {
		case job := <-p.queue:
			job.state.CompareAndSwap(statePending, stateCancelled)
		default:
			break drain
		}
	}
	p.mu.Lock()
	for job := range p.tracked {
		delete(p.tracked, job)
	}
	p.mu.Unlock()

	metrics.PoolWorkers.Set(0)
	metrics.PoolQueueDepth.Set(0)
	logger.Log.Debug().Msg("Thread pool stopped")
	return err
}

// Active reports whether the pool accepts jobs.
func (p *Pool) Active() bool {
	return p.running.Load()
}

// Enqueue submits job, blocking while the queue is full.
func (p *Pool) Enqueue(job *Job) error {
	if !p.running.Load() {
		return ErrNotRunning
	}
	p.track(job)
	select {
	case p.queue <- job:
		metrics.PoolQueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-p.quit:
		p.untrack(job)
		return ErrNotRunning
	}
}

// TrySubmit wraps fn in a job and submits it without blocking.
func (p *Pool) TrySubmit(fn func(), timeoutTicks int) error {
	return p.TryEnqueue(NewJob(func(any) { fn() }, nil, timeoutTicks))
}

// TryEnqueue submits job without blocking, failing with ErrQueueFull when
// every queue slot is taken.
func (p *Pool) TryEnqueue(job *Job) error {
	if !p.running.Load() {
		return ErrNotRunning
	}
	p.track(job)
	select {
	case p.queue <- job:
		metrics.PoolQueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-p.quit:
		p.untrack(job)
		return ErrNotRunning
	default:
		p.untrack(job)
		return ErrQueueFull
	}
}

// Cancel abandons job: it is neither run nor reported if it has not started,
// and its late completion is ignored if it has.
func (p *Pool) Cancel(job *Job) {
	if job == nil {
		return
	}
	if job.state.CompareAndSwap(statePending, stateCancelled) {
		metrics.JobsTotal.WithLabelValues("cancelled").Inc()
	}
	p.untrack(job)
}

// Tick advances every tracked job's budget by one tick and fails the jobs
// that run out. Called from the reactor's tick event.
func (p *Pool) Tick() {
	p.mu.Lock()
	var expired []*Job
	for job := range p.tracked {
		if job.ticks <= 0 {
			continue
		}
		job.ticks--
		if job.ticks == 0 {
			delete(p.tracked, job)
			expired = append(expired, job)
		}
	}
	p.mu.Unlock()

	for _, job := range expired {
		if !job.state.CompareAndSwap(statePending, stateTimedOut) {
			continue
		}
		metrics.JobsTotal.WithLabelValues("timeout").Inc()
		logger.Log.Debug().Msg("Thread job timed out")
		job.Finished.Raise(event.AnyID, struct{}{})
	}
}

func (p *Pool) track(job *Job) {
	p.mu.Lock()
	p.tracked[job] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrack(job *Job) {
	p.mu.Lock()
	delete(p.tracked, job)
	p.mu.Unlock()
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.queue:
			p.run(n, job)
		}
	}
}

func (p *Pool) run(n int, job *Job) {
	if job.state.Load() != statePending {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log.Error().
					Int("worker", n).
					Interface("panic", r).
					Msg("Thread job panicked")
			}
		}()
		job.proc(job.arg)
	}()
	p.dispatch.Post(func() { p.complete(job) })
}

// complete runs on the reactor goroutine.
func (p *Pool) complete(job *Job) {
	p.untrack(job)
	if !job.state.CompareAndSwap(statePending, stateCompleted) {
		return
	}
	metrics.JobsTotal.WithLabelValues("completed").Inc()
	job.Finished.Raise(event.AnyID, struct{}{})
}
