package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/epcalc/epcalc/breaker"
	"github.com/epcalc/epcalc/cache"
	"github.com/epcalc/epcalc/expand"
	"github.com/epcalc/epcalc/kernel"
	"github.com/epcalc/epcalc/metrics"
	"github.com/epcalc/epcalc/pool"
)

// pointOutcome is what the result cache stores per fingerprint. A
// deterministic numerical failure is a cacheable outcome, not an
// error: the affected metrics are simply absent and Failure explains
// why.
type pointOutcome struct {
	Metrics kernel.Metrics
	Failure string
	Millis  int64
}

// cancelRegistry tracks the cancel functions of in-flight requests by
// session id, so one cancel call aborts everything the session has
// outstanding.
type cancelRegistry struct {
	mu   sync.Mutex
	seq  uint64
	byID map[string]map[uint64]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{byID: make(map[string]map[uint64]context.CancelFunc)}
}

func (r *cancelRegistry) add(session string, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if r.byID[session] == nil {
		r.byID[session] = make(map[uint64]context.CancelFunc)
	}
	r.byID[session][r.seq] = cancel
	return r.seq
}

func (r *cancelRegistry) remove(session string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.byID[session]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.byID, session)
		}
	}
}

// cancelAll fires every registered cancel for the session and reports
// how many were signalled. Unknown sessions cancel nothing, so the
// operation is idempotent.
func (r *cancelRegistry) cancelAll(session string) int {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.byID[session]))
	for _, c := range r.byID[session] {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Coordinator drives one compute request end to end: admission, axis
// expansion, cache-deduplicated fan-out to the worker pool, and
// in-order gathering.
type Coordinator struct {
	cache    *cache.Cache[pointOutcome]
	pool     *pool.Pool
	breaker  *breaker.Breaker
	registry *cancelRegistry
	met      *metrics.Set
	log      *logrus.Entry

	maxPoints      int
	requestTimeout time.Duration
}

// NewCoordinator assembles the compute path.
func NewCoordinator(c *cache.Cache[pointOutcome], p *pool.Pool, b *breaker.Breaker, met *metrics.Set, maxPoints int, requestTimeout time.Duration) *Coordinator {
	if maxPoints <= 0 {
		maxPoints = 10000
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Coordinator{
		cache:          c,
		pool:           p,
		breaker:        b,
		registry:       newCancelRegistry(),
		met:            met,
		log:            logrus.WithField("component", "coordinator"),
		maxPoints:      maxPoints,
		requestTimeout: requestTimeout,
	}
}

// Cancel aborts all in-flight work for the session.
func (c *Coordinator) Cancel(session string) int {
	n := c.registry.cancelAll(session)
	if n > 0 {
		c.log.WithField("jobs", n).Info("session cancelled")
	}
	return n
}

// Compute runs the full pipeline and returns the assembled result plus
// the metered cost. The session id scopes cancellation; an empty id
// still computes but cannot be cancelled by a later call.
func (c *Coordinator) Compute(ctx context.Context, session string, req *expand.Request) (*Result, int64, error) {
	cost, err := expand.Cost(req)
	if err != nil {
		return nil, 0, err
	}

	decision := c.breaker.Decide(cost)
	if !decision.Allowed {
		c.met.ShedTotal.Inc()
		return nil, 0, overCapacity(decision)
	}
	metered := int64(float64(cost) * decision.CostMultiplier)

	exp, err := req.Expand(c.maxPoints)
	if err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if session != "" {
		id := c.registry.add(session, cancel)
		defer c.registry.remove(session, id)
	}

	outcomes := make([]pointOutcome, len(exp.Points))
	cachedFlags := make([]bool, len(exp.Points))

	g, gctx := errgroup.WithContext(ctx)
	for i := range exp.Points {
		i := i
		pt := exp.Points[i]
		g.Go(func() error {
			out, cached, err := c.cache.LookupOrInsert(gctx, pt.Fingerprint, func() (pointOutcome, error) {
				return c.computePoint(gctx, pt.Kernel)
			})
			if err != nil {
				return err
			}
			if cached {
				c.met.CacheHits.Inc()
			} else {
				c.met.CacheMisses.Inc()
			}
			outcomes[i] = out
			cachedFlags[i] = cached
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, cancelled()
		}
		return nil, 0, err
	}

	return assemble(exp, outcomes, cachedFlags), metered, nil
}

// computePoint runs one kernel evaluation on the pool. Numerical
// failures resolve to a cacheable outcome; everything else propagates
// so the cache can vacate or negatively cache it.
func (c *Coordinator) computePoint(ctx context.Context, kp kernel.Point) (pointOutcome, error) {
	m, elapsed, err := c.pool.Do(ctx, func(jctx context.Context) (kernel.Metrics, error) {
		return kernel.Compute(jctx, kp)
	})
	c.met.ComputeMillis.Observe(float64(elapsed.Microseconds()) / 1000)
	if err != nil {
		var nerr *kernel.NumericalError
		if errors.As(err, &nerr) {
			c.log.WithField("stage", nerr.Stage).Warn("kernel numerical failure")
			return pointOutcome{Metrics: m, Failure: nerr.Error(), Millis: elapsed.Milliseconds()}, nil
		}
		return pointOutcome{}, err
	}
	return pointOutcome{Metrics: m, Millis: elapsed.Milliseconds()}, nil
}
