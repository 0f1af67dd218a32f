// Package breaker implements the load-adaptive admission controller: a
// three-state circuit breaker driven by a combined load signal (worker
// utilisation, queue depth, memory pressure).
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the breaker's admission posture.
type State int

const (
	Closed   State = iota // nominal: accept everything
	HalfOpen              // degraded: accept cheap work only
	Open                  // shedding: reject all non-public work
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Signal is one load snapshot. Combined load is the max of its three
// utilisation ratios.
type Signal struct {
	WorkerUtilisation float64   `json:"worker_utilisation"`
	QueueDepth        int       `json:"queue_depth"`
	QueueCapacity     int       `json:"queue_capacity"`
	MemoryUsed        uint64    `json:"memory_used"`
	MemoryLimit       uint64    `json:"memory_limit"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Combined returns max(worker utilisation, queue fill, memory fill).
func (s Signal) Combined() float64 {
	load := s.WorkerUtilisation
	if s.QueueCapacity > 0 {
		if q := float64(s.QueueDepth) / float64(s.QueueCapacity); q > load {
			load = q
		}
	}
	if s.MemoryLimit > 0 {
		if m := float64(s.MemoryUsed) / float64(s.MemoryLimit); m > load {
			load = m
		}
	}
	return load
}

// Config holds the transition thresholds. Zero values select the
// defaults from the admission design.
type Config struct {
	HighWater      float64       // Closed -> HalfOpen at L >= HighWater (default 0.80)
	TripWater      float64       // HalfOpen -> Open at L >= TripWater (default 0.95)
	LowWater       float64       // HalfOpen -> Closed below this (default 0.60)
	HighSamples    int           // consecutive high samples to degrade (default 2)
	RecoverSamples int           // consecutive low samples to recover (default 5)
	Cooldown       time.Duration // Open dwell time before probing (default 10s)
	HalfFraction   float64       // HalfOpen cost threshold as a fraction of BaselineCost (default 0.10)
	BaselineCost   int64         // single-point baseline for the HalfOpen threshold (default 40000)
	HalfMultiplier float64       // metered-cost multiplier while degraded (default 1.5)
	RetryAfter     time.Duration // base Retry-After while Open (default 5s)
	RetryAfterStep time.Duration // escalation per consecutive reject (default 5s)
	RetryAfterMax  time.Duration // escalation cap (default 60s)
}

func (c Config) withDefaults() Config {
	if c.HighWater == 0 {
		c.HighWater = 0.80
	}
	if c.TripWater == 0 {
		c.TripWater = 0.95
	}
	if c.LowWater == 0 {
		c.LowWater = 0.60
	}
	if c.HighSamples == 0 {
		c.HighSamples = 2
	}
	if c.RecoverSamples == 0 {
		c.RecoverSamples = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.HalfFraction == 0 {
		c.HalfFraction = 0.10
	}
	if c.BaselineCost == 0 {
		// One standard sweep point at M=4 with a high-order metric costs
		// M^2*2 = 32; the baseline tracks a typical 10^3-point request
		// rather than a single cheap point so T_half is not degenerate.
		c.BaselineCost = 40000
	}
	if c.HalfMultiplier == 0 {
		c.HalfMultiplier = 1.5
	}
	if c.RetryAfter == 0 {
		c.RetryAfter = 5 * time.Second
	}
	if c.RetryAfterStep == 0 {
		c.RetryAfterStep = 5 * time.Second
	}
	if c.RetryAfterMax == 0 {
		c.RetryAfterMax = 60 * time.Second
	}
	return c
}

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed        bool
	State          State
	Reason         string
	RetryAfter     time.Duration // set on rejection
	CostMultiplier float64       // applied to the metered cost
}

// Sampler supplies the current load signal.
type Sampler interface {
	Signal() Signal
}

// Breaker is safe for concurrent use. Transitions are a pure function
// of the observed signal series and the injected clock, so two breakers
// fed identical series move in lockstep.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	sampler Sampler
	now     func() time.Time
	log     *logrus.Entry

	state       State
	highStreak  int
	lowStreak   int
	openedAt    time.Time
	consRejects int
	lastSample  time.Time
	lastSignal  Signal
}

// New builds a breaker in the Closed state.
func New(cfg Config, sampler Sampler) *Breaker {
	return &Breaker{
		cfg:     cfg.withDefaults(),
		sampler: sampler,
		now:     time.Now,
		log:     logrus.WithField("component", "breaker"),
	}
}

// observe folds one signal into the state machine.
func (b *Breaker) observe(sig Signal) {
	load := sig.Combined()
	b.lastSignal = sig

	if load >= b.cfg.HighWater {
		b.highStreak++
	} else {
		b.highStreak = 0
	}
	if load < b.cfg.LowWater {
		b.lowStreak++
	} else {
		b.lowStreak = 0
	}

	prev := b.state
	switch b.state {
	case Closed:
		if b.highStreak >= b.cfg.HighSamples {
			b.state = HalfOpen
		}
	case HalfOpen:
		if load >= b.cfg.TripWater {
			b.state = Open
			b.openedAt = b.now()
		} else if b.lowStreak >= b.cfg.RecoverSamples {
			b.state = Closed
		}
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown && load < b.cfg.HighWater {
			b.state = HalfOpen
		}
	}
	if b.state != prev {
		b.highStreak = 0
		b.lowStreak = 0
		if b.state != Open {
			b.consRejects = 0
		}
		b.log.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   b.state.String(),
			"load": load,
		}).Info("breaker state transition")
	}
}

// sample refreshes the signal for an admission decision, rate-limited
// to once per second. The once-per-second bound is the intended
// reading: decisions inside the same second reuse the cached signal,
// keeping transitions a pure function of a 1 Hz sample series (and of
// Tick, which samples unconditionally so staleness never exceeds its
// interval). A burst therefore takes up to two spaced samples, about
// 2 s, to degrade the state.
func (b *Breaker) sample() {
	now := b.now()
	if now.Sub(b.lastSample) < time.Second {
		return
	}
	b.lastSample = now
	b.observe(b.sampler.Signal())
}

// Decide admits or rejects a request of the given estimated cost.
func (b *Breaker) Decide(cost int64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sample()

	switch b.state {
	case Closed:
		return Decision{Allowed: true, State: Closed, CostMultiplier: 1}
	case HalfOpen:
		threshold := int64(float64(b.cfg.BaselineCost) * b.cfg.HalfFraction)
		if cost <= threshold {
			return Decision{Allowed: true, State: HalfOpen, CostMultiplier: b.cfg.HalfMultiplier}
		}
		return Decision{
			Allowed:        false,
			State:          HalfOpen,
			Reason:         "degraded: request cost exceeds the half-open threshold",
			RetryAfter:     b.cfg.RetryAfter,
			CostMultiplier: b.cfg.HalfMultiplier,
		}
	default: // Open
		b.consRejects++
		retry := b.cfg.RetryAfter + time.Duration(b.consRejects-1)*b.cfg.RetryAfterStep
		if retry > b.cfg.RetryAfterMax {
			retry = b.cfg.RetryAfterMax
		}
		return Decision{
			Allowed:    false,
			State:      Open,
			Reason:     "shedding load",
			RetryAfter: retry,
		}
	}
}

// Tick folds in a fresh sample outside any admission decision; the
// serve loop calls it on a bounded interval so the breaker recovers
// while idle.
func (b *Breaker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSample = b.now()
	b.observe(b.sampler.Signal())
}

// Snapshot returns the current state and last observed signal.
func (b *Breaker) Snapshot() (State, Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.lastSignal
}
