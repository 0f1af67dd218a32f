package breaker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/epcalc/epcalc/pool"
)

// memoryReader is swappable for tests; production uses gopsutil.
type memoryReader func() (used, limit uint64, err error)

func systemMemory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Used, vm.Total, nil
}

// Monitor assembles the load signal: live pool counters plus a memory
// reading refreshed by a single background writer and published through
// an atomic pointer, so readers never lock.
type Monitor struct {
	pool     *pool.Pool
	memLimit uint64 // configured override; 0 means system total
	readMem  memoryReader
	memSnap  atomic.Pointer[memSample]
	log      *logrus.Entry
}

type memSample struct {
	used    uint64
	limit   uint64
	sampled time.Time
}

// NewMonitor builds a monitor over the given pool. memLimit of 0 uses
// the machine's total memory as the limit.
func NewMonitor(p *pool.Pool, memLimit uint64) *Monitor {
	m := &Monitor{
		pool:     p,
		memLimit: memLimit,
		readMem:  systemMemory,
		log:      logrus.WithField("component", "load-monitor"),
	}
	m.refreshMemory()
	return m
}

func (m *Monitor) refreshMemory() {
	used, total, err := m.readMem()
	if err != nil {
		m.log.WithError(err).Warn("memory sampling failed; keeping previous reading")
		return
	}
	limit := m.memLimit
	if limit == 0 {
		limit = total
	}
	m.memSnap.Store(&memSample{used: used, limit: limit, sampled: time.Now()})
}

// Run refreshes the memory reading on a bounded interval until ctx is
// done. The pool counters need no refreshing; they are read live.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshMemory()
		}
	}
}

// Signal implements Sampler.
func (m *Monitor) Signal() Signal {
	stats := m.pool.Stats()
	sig := Signal{
		WorkerUtilisation: stats.Utilisation,
		QueueDepth:        stats.QueueDepth,
		QueueCapacity:     stats.QueueCapacity,
		UpdatedAt:         time.Now(),
	}
	if snap := m.memSnap.Load(); snap != nil {
		sig.MemoryUsed = snap.used
		sig.MemoryLimit = snap.limit
	}
	return sig
}
