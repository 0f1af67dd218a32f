// Package pool runs compute kernels on a fixed set of workers draining
// a bounded FIFO queue, keeping CPU-bound work off the request path.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epcalc/epcalc/kernel"
)

// ErrQueueFull is returned by TrySubmit when the queue is saturated;
// the circuit breaker uses queue depth to shed load before callers see
// this under normal operation.
var ErrQueueFull = errors.New("pool: queue full")

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("pool: closed")

// Task computes one point. The context carries the per-job cancel
// signal and the kernel deadline; implementations poll it at their
// checkpoints.
type Task func(ctx context.Context) (kernel.Metrics, error)

// Config sizes the pool. Zero values select the defaults.
type Config struct {
	Workers       int           // worker count (default max(2, NumCPU-1))
	QueueFactor   int           // queue capacity = QueueFactor * Workers (default 4)
	KernelTimeout time.Duration // per-invocation budget (default 10s)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() - 1
		if c.Workers < 2 {
			c.Workers = 2
		}
	}
	if c.QueueFactor <= 0 {
		c.QueueFactor = 4
	}
	if c.KernelTimeout <= 0 {
		c.KernelTimeout = 10 * time.Second
	}
	return c
}

type jobResult struct {
	metrics kernel.Metrics
	elapsed time.Duration
	err     error
}

type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	task   Task
	out    chan jobResult // buffered; the worker never blocks on it
}

// Handle tracks one submitted job.
type Handle struct {
	j *job
}

// Await blocks until the job resolves or ctx is done. A job abandoned
// via ctx keeps its queue slot until a worker discards it.
func (h *Handle) Await(ctx context.Context) (kernel.Metrics, time.Duration, error) {
	select {
	case r := <-h.j.out:
		return r.metrics, r.elapsed, r.err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Cancel signals the job cooperatively: a queued job is skipped, a
// running one stops at its next kernel checkpoint.
func (h *Handle) Cancel() {
	h.j.cancel()
}

// Pool is safe for concurrent use by many producers.
type Pool struct {
	cfg   Config
	queue chan *job
	busy  atomic.Int64
	wg    sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
	log       *logrus.Entry
}

// Stats is a point-in-time pool snapshot for the load monitor and the
// health endpoint.
type Stats struct {
	Workers       int     `json:"workers"`
	Busy          int     `json:"busy"`
	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	Utilisation   float64 `json:"utilisation"`
}

// New starts the workers immediately.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:    cfg,
		queue:  make(chan *job, cfg.Workers*cfg.QueueFactor),
		closed: make(chan struct{}),
		log:    logrus.WithField("component", "pool"),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case j := <-p.queue:
			p.run(j)
		}
	}
}

// run executes one job. Kernel errors resolve the job; workers never
// die on them.
func (p *Pool) run(j *job) {
	// Skip work whose submitter already gave up.
	if err := j.ctx.Err(); err != nil {
		j.out <- jobResult{err: err}
		return
	}

	p.busy.Add(1)
	defer p.busy.Add(-1)

	runCtx, cancel := context.WithTimeout(j.ctx, p.cfg.KernelTimeout)
	defer cancel()

	start := time.Now()
	metrics, err := j.task(runCtx)
	elapsed := time.Since(start)

	// A kernel-budget expiry is a numerical failure of this point, not
	// a caller cancellation.
	if errors.Is(err, context.DeadlineExceeded) && j.ctx.Err() == nil {
		err = &kernel.NumericalError{Stage: "kernel", Reason: "computation exceeded the kernel time budget"}
	}
	// A result that lost the race with cancellation is discarded.
	if cerr := j.ctx.Err(); cerr != nil {
		err = cerr
		metrics = nil
	}
	j.out <- jobResult{metrics: metrics, elapsed: elapsed, err: err}
}

// TrySubmit enqueues without blocking, failing with ErrQueueFull when
// the queue is saturated.
func (p *Pool) TrySubmit(ctx context.Context, task Task) (*Handle, error) {
	j, err := p.newJob(ctx, task)
	if err != nil {
		return nil, err
	}
	select {
	case p.queue <- j:
		return &Handle{j: j}, nil
	default:
		j.cancel()
		return nil, ErrQueueFull
	}
}

// Submit enqueues, blocking for a free slot; this is the backpressure
// path used for points of an already-admitted request.
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	j, err := p.newJob(ctx, task)
	if err != nil {
		return nil, err
	}
	select {
	case p.queue <- j:
		return &Handle{j: j}, nil
	case <-ctx.Done():
		j.cancel()
		return nil, ctx.Err()
	case <-p.closed:
		j.cancel()
		return nil, ErrClosed
	}
}

// Do submits with backpressure and awaits the result.
func (p *Pool) Do(ctx context.Context, task Task) (kernel.Metrics, time.Duration, error) {
	h, err := p.Submit(ctx, task)
	if err != nil {
		return nil, 0, err
	}
	return h.Await(ctx)
}

func (p *Pool) newJob(ctx context.Context, task Task) (*job, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	jctx, cancel := context.WithCancel(ctx)
	return &job{ctx: jctx, cancel: cancel, task: task, out: make(chan jobResult, 1)}, nil
}

// Stats snapshots utilisation and queue depth.
func (p *Pool) Stats() Stats {
	busy := int(p.busy.Load())
	return Stats{
		Workers:       p.cfg.Workers,
		Busy:          busy,
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
		Utilisation:   float64(busy) / float64(p.cfg.Workers),
	}
}

// QueueCapacity returns the fixed queue bound Q.
func (p *Pool) QueueCapacity() int { return cap(p.queue) }

// Close stops intake and waits for workers to finish their current
// jobs. Queued jobs that no worker picked up resolve with ErrClosed
// through their contexts being abandoned; callers blocked in Await
// should pass a bounded context.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		p.log.Debug("worker pool drained")
	})
}
