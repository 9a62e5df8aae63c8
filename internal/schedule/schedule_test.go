package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmax/internal/aggregate"
)

var edt = time.FixedZone("EDT", -4*3600)

type recordingRefresher struct {
	mu   sync.Mutex
	reqs []aggregate.Request
}

func (r *recordingRefresher) Refresh(_ context.Context, req aggregate.Request) aggregate.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if req.PostalCode == "00000" {
		return aggregate.Result{Err: aggregate.ErrGeocode}
	}
	return aggregate.Result{}
}

func TestMonthWindows(t *testing.T) {
	ws, err := MonthWindows(time.Date(2025, 11, 17, 15, 0, 0, 0, edt), 3, edt)
	require.NoError(t, err)
	require.Len(t, ws, 3)

	want := []string{"2025-11-01..2025-11-30", "2025-12-01..2025-12-31", "2026-01-01..2026-01-31"}
	for i, w := range ws {
		assert.Equal(t, want[i], w.Start.Format(time.DateOnly)+".."+w.End.Format(time.DateOnly))
		assert.Equal(t, edt, w.Start.Location())
	}
}

func TestMonthWindows_February(t *testing.T) {
	ws, err := MonthWindows(time.Date(2028, 2, 29, 0, 0, 0, 0, edt), 1, edt)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "2028-02-29", ws[0].End.Format(time.DateOnly))
}

func TestMonthWindows_Zero(t *testing.T) {
	ws, err := MonthWindows(time.Now(), 0, edt)
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func TestCurrentMonth(t *testing.T) {
	w := CurrentMonth(time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC), edt)

	// 02:00 UTC on June 1 is still May 31 in EDT.
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, edt), w.Start)
	assert.Equal(t, time.Date(2025, 5, 31, 0, 0, 0, 0, edt), w.End)
}

func TestWarmer_RunOnce(t *testing.T) {
	ref := &recordingRefresher{}
	w, err := NewWarmer(WarmerConfig{
		Spec:     "0 */2 * * *",
		Searches: []Search{{PostalCode: "01907", RadiusMiles: 10}, {PostalCode: "00000", RadiusMiles: 5}},
		Months:   2,
		Location: edt,
	}, ref)
	require.NoError(t, err)
	w.now = func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, edt) }

	n := w.RunOnce(context.Background())

	assert.Equal(t, 4, n)
	require.Len(t, ref.reqs, 4)
	first := ref.reqs[0]
	assert.Equal(t, "01907", first.PostalCode)
	assert.Equal(t, 10.0, first.RadiusMiles)
	assert.True(t, first.Start.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, edt)))
	assert.True(t, first.End.Equal(time.Date(2025, 6, 30, 0, 0, 0, 0, edt)))
	assert.True(t, ref.reqs[1].Start.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, edt)))
	assert.Equal(t, "00000", ref.reqs[2].PostalCode)
}

func TestWarmer_RunOnce_CancelledContext(t *testing.T) {
	ref := &recordingRefresher{}
	w, err := NewWarmer(WarmerConfig{
		Spec:     "@every 1h",
		Searches: []Search{{PostalCode: "01907", RadiusMiles: 10}},
	}, ref)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 0, w.RunOnce(ctx))
	assert.Empty(t, ref.reqs)
}

func TestNewWarmer_InvalidSpec(t *testing.T) {
	_, err := NewWarmer(WarmerConfig{Spec: "every tuesday"}, &recordingRefresher{})
	assert.Error(t, err)

	_, err = NewWarmer(WarmerConfig{}, &recordingRefresher{})
	assert.Error(t, err)
}

func TestWarmer_StartWithoutSearches(t *testing.T) {
	w, err := NewWarmer(WarmerConfig{Spec: "*/5 * * * *"}, &recordingRefresher{})
	require.NoError(t, err)
	assert.NoError(t, w.Start(context.Background()))
}
