// Package meter records per-key usage of the compute endpoints.
// Writes are best-effort; metering must never fail a request.
package meter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/epcalc/epcalc/store"
)

// DefaultRetention bounds how long usage events are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Meter appends usage events and prunes them past the retention
// window.
type Meter struct {
	backend   store.Backend
	retention time.Duration
	log       *logrus.Entry
	now       func() time.Time
}

// New builds a meter over the given backend. A non-positive retention
// falls back to the default.
func New(backend store.Backend, retention time.Duration) *Meter {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Meter{
		backend:   backend,
		retention: retention,
		log:       logrus.WithField("component", "meter"),
		now:       time.Now,
	}
}

// Record appends one usage event. Storage failures are logged and
// swallowed.
func (m *Meter) Record(keyID, endpoint string, cost int64, params string) {
	ev := &store.UsageEvent{
		ID:       uuid.NewString(),
		KeyID:    keyID,
		Endpoint: endpoint,
		Cost:     cost,
		Params:   params,
		At:       m.now().UTC(),
	}
	if err := m.backend.AppendUsage(ev); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"key_id":   keyID,
			"endpoint": endpoint,
		}).Warn("usage event dropped")
	}
}

// Recent returns up to limit events, newest first.
func (m *Meter) Recent(limit int) ([]*store.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.backend.ListUsage(limit)
}

// Prune removes events older than the retention window.
func (m *Meter) Prune() (int, error) {
	return m.backend.PruneUsage(m.now().UTC().Add(-m.retention))
}

// Run prunes on an interval until ctx is done.
func (m *Meter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Prune()
			if err != nil {
				m.log.WithError(err).Warn("usage prune failed")
				continue
			}
			if n > 0 {
				m.log.WithField("count", n).Info("usage events pruned")
			}
		}
	}
}
