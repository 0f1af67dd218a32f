package meter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epcalc/epcalc/store"
)

// failingBackend wraps a working backend but refuses usage appends.
type failingBackend struct {
	store.Backend
}

func (f *failingBackend) AppendUsage(*store.UsageEvent) error {
	return errors.New("disk full")
}

// TestMeter_RecordAndRecent verifies recorded events come back newest
// first with their fields intact.
func TestMeter_RecordAndRecent(t *testing.T) {
	m := New(store.NewMemory(), 0)
	clock := time.Unix(1000, 0)
	m.now = func() time.Time { return clock }

	m.Record("k1", "/api/v1/compute/standard", 4000, "bpsk snr=0..10")
	clock = clock.Add(time.Second)
	m.Record("k2", "/api/v1/compute/custom", 9000, "custom 4pt")

	events, err := m.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "k2", events[0].KeyID)
	assert.EqualValues(t, 9000, events[0].Cost)
	assert.Equal(t, "k1", events[1].KeyID)
	assert.Equal(t, "bpsk snr=0..10", events[1].Params)
}

// TestMeter_RecordBestEffort verifies a storage failure does not
// propagate.
func TestMeter_RecordBestEffort(t *testing.T) {
	m := New(&failingBackend{Backend: store.NewMemory()}, 0)
	assert.NotPanics(t, func() {
		m.Record("k1", "/api/v1/compute/standard", 1, "")
	})
}

// TestMeter_Prune verifies only events past the retention window are
// removed.
func TestMeter_Prune(t *testing.T) {
	m := New(store.NewMemory(), 24*time.Hour)
	clock := time.Unix(1_000_000, 0)
	m.now = func() time.Time { return clock }

	m.Record("old", "/api/v1/compute/standard", 1, "")
	clock = clock.Add(48 * time.Hour)
	m.Record("fresh", "/api/v1/compute/standard", 2, "")

	pruned, err := m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	events, err := m.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].KeyID)
}
