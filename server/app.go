package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epcalc/epcalc/auth"
	"github.com/epcalc/epcalc/breaker"
	"github.com/epcalc/epcalc/cache"
	"github.com/epcalc/epcalc/meter"
	"github.com/epcalc/epcalc/metrics"
	"github.com/epcalc/epcalc/pool"
	"github.com/epcalc/epcalc/store"
)

// App owns every long-lived component and their shared lifecycle.
type App struct {
	cfg     Config
	backend store.Backend
	workers *pool.Pool
	monitor *breaker.Monitor
	brk     *breaker.Breaker
	usage   *meter.Meter
	server  *Server
	log     *logrus.Entry
}

// NewApp builds the full component graph from configuration.
func NewApp(cfg Config) (*App, error) {
	var backend store.Backend
	if cfg.Storage.Path == "memory" {
		backend = store.NewMemory()
	} else {
		var err error
		backend, err = store.OpenBolt(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	workers := pool.New(pool.Config{
		Workers:       cfg.Compute.Workers,
		QueueFactor:   cfg.Compute.QueueFactor,
		KernelTimeout: cfg.Compute.KernelTimeout,
	})
	monitor := breaker.NewMonitor(workers, cfg.Breaker.MemoryLimitBytes)
	brk := breaker.New(breaker.Config{BaselineCost: cfg.Breaker.BaselineCost}, monitor)

	met := metrics.New(func() float64 {
		return float64(workers.Stats().QueueDepth)
	})

	resultCache := cache.New[pointOutcome](cache.Config{
		MaxEntries:  cfg.Cache.MaxEntries,
		MaxAge:      cfg.Cache.MaxAge,
		NegativeTTL: cfg.Cache.NegativeTTL,
	})

	coord := NewCoordinator(resultCache, workers, brk, met, cfg.Compute.MaxPoints, cfg.HTTP.RequestTimeout)
	keys := auth.NewKeyStore(backend)
	sessions := auth.NewSessionStore()
	usage := meter.New(backend, cfg.Storage.Retention)

	srv := New(cfg, coord, keys, sessions, usage, brk, workers, backend, met)
	return &App{
		cfg:     cfg,
		backend: backend,
		workers: workers,
		monitor: monitor,
		brk:     brk,
		usage:   usage,
		server:  srv,
		log:     logrus.WithField("component", "app"),
	}, nil
}

// Keys exposes the key store for the CLI key-management commands.
func (a *App) Keys() *auth.KeyStore { return a.server.keys }

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler { return a.server }

// Run serves until ctx is cancelled, then drains within the shutdown
// grace period.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go a.monitor.Run(bg, time.Second)
	go a.server.sessions.Run(bg, time.Minute)
	go a.usage.Run(bg, time.Hour)
	go a.tickBreaker(bg)

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.HTTP.Addr).Info("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownGrace)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	cancelBg()
	a.workers.Close()
	if cerr := a.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// tickBreaker keeps the breaker sampling while the request path is
// idle, so an Open breaker can cool down without traffic.
func (a *App) tickBreaker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.brk.Tick()
			state, signal := a.brk.Snapshot()
			a.server.met.BreakerState.Set(float64(state))
			a.server.met.BreakerLoad.Set(signal.Combined())
		}
	}
}

// Close releases resources without serving; used by CLI subcommands
// that only need the stores.
func (a *App) Close() error {
	a.workers.Close()
	return a.backend.Close()
}
