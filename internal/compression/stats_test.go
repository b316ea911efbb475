package compression

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/realtime/internal/types"
)

func newTestTracker(config TrackerConfig) (*Tracker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewTracker(config, clock, zerolog.Nop()), clock
}

func TestIngest_GuardsInvalidSizes(t *testing.T) {
	tracker, _ := newTestTracker(TrackerConfig{})

	tracker.Ingest(0, 100, "gzip", time.Millisecond)
	tracker.Ingest(100, 0, "gzip", time.Millisecond)
	tracker.Ingest(-1, -1, "gzip", time.Millisecond)
	assert.Equal(t, 0, tracker.Aggregate().Count)

	tracker.Ingest(1000, 400, "gzip", time.Millisecond)
	assert.Equal(t, 1, tracker.Aggregate().Count)
}

func TestAggregate(t *testing.T) {
	tracker, _ := newTestTracker(TrackerConfig{})

	tracker.Ingest(1000, 400, "gzip", 2*time.Millisecond)
	tracker.Ingest(2000, 1000, "gzip", 4*time.Millisecond)

	s := tracker.Aggregate()
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, int64(3000), s.TotalOriginal)
	assert.Equal(t, int64(1400), s.TotalCompressed)
	assert.Equal(t, int64(1600), s.BandwidthSaved)
	assert.InDelta(t, 0.45, s.AvgRatio, 1e-9) // (0.4 + 0.5) / 2
	assert.Equal(t, 3*time.Millisecond, s.AvgTime)
}

func TestObserve_RecentWindow(t *testing.T) {
	tracker, _ := newTestTracker(TrackerConfig{})

	assert.Equal(t, Observation{}, tracker.Observe(10))

	for i := 0; i < 10; i++ {
		tracker.Ingest(1000, 900, "gzip", 10*time.Millisecond)
	}
	tracker.Ingest(1000, 100, "gzip", time.Millisecond)
	tracker.Ingest(1000, 100, "gzip", time.Millisecond)

	obs := tracker.Observe(2)
	assert.Equal(t, 2, obs.Samples)
	assert.InDelta(t, 0.1, obs.AvgRatio, 1e-9)
	assert.Equal(t, time.Millisecond, obs.AvgTime)
}

func TestTrim_WindowAndCap(t *testing.T) {
	tracker, clock := newTestTracker(TrackerConfig{Window: time.Minute, MaxRecords: 5})

	tracker.Ingest(1000, 500, "gzip", time.Millisecond)
	clock.Advance(2 * time.Minute)
	tracker.Ingest(1000, 500, "gzip", time.Millisecond)
	assert.Equal(t, 1, tracker.Aggregate().Count, "stale record should be trimmed")

	for i := 0; i < 10; i++ {
		tracker.Ingest(1000, 500, "gzip", time.Millisecond)
	}
	assert.Equal(t, 5, tracker.Aggregate().Count, "history is capped")
}

func TestEfficiencyRanking(t *testing.T) {
	tracker, _ := newTestTracker(TrackerConfig{})

	tracker.Ingest(1000, 800, "snappy", time.Millisecond)
	tracker.Ingest(1000, 300, "gzip", 2*time.Millisecond)
	tracker.Ingest(1000, 500, "gzip", 2*time.Millisecond)

	ranking := tracker.EfficiencyRanking()
	require.Len(t, ranking, 2)
	assert.Equal(t, "gzip", ranking[0].Algorithm)
	assert.Equal(t, 2, ranking[0].Count)
	assert.InDelta(t, 0.4, ranking[0].AvgRatio, 1e-9)
	assert.Equal(t, "snappy", ranking[1].Algorithm)
}

func TestTrend(t *testing.T) {
	tracker, _ := newTestTracker(TrackerConfig{TrendSamples: 20})

	report := tracker.Trend()
	assert.Equal(t, "stable", report.Direction)
	assert.Equal(t, "not enough samples for a trend", report.Recommendation)

	for i := 1; i <= 10; i++ {
		tracker.Ingest(1000, 500, "gzip", time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, "increasing", tracker.Trend().Direction)

	tracker2, _ := newTestTracker(TrackerConfig{TrendSamples: 20})
	for i := 10; i >= 1; i-- {
		tracker2.Ingest(1000, 500, "gzip", time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, "decreasing", tracker2.Trend().Direction)

	tracker3, _ := newTestTracker(TrackerConfig{TrendSamples: 20})
	for i := 0; i < 10; i++ {
		tracker3.Ingest(1000, 500, "gzip", 5*time.Millisecond)
	}
	assert.Equal(t, "stable", tracker3.Trend().Direction)
}

func TestAnomalyAlerts(t *testing.T) {
	tracker, _ := newTestTracker(TrackerConfig{PoorRatio: 0.9, TimeCeiling: 100 * time.Millisecond})

	var alerts []types.Alert
	tracker.OnAlert(func(a types.Alert) {
		alerts = append(alerts, a)
	})

	tracker.Ingest(1000, 500, "gzip", time.Millisecond)
	assert.Empty(t, alerts)

	tracker.Ingest(1000, 980, "gzip", time.Millisecond)
	require.Len(t, alerts, 1)
	assert.Equal(t, "poor_compression_ratio", alerts[0].Type)
	assert.Equal(t, types.SeverityWarning, alerts[0].Severity)

	tracker.Ingest(1000, 500, "gzip", 200*time.Millisecond)
	require.Len(t, alerts, 2)
	assert.Equal(t, "slow_compression", alerts[1].Type)
	assert.Equal(t, types.SeverityCritical, alerts[1].Severity)
}

func TestAlertCallbackPanicDoesNotAbortIngestion(t *testing.T) {
	tracker, _ := newTestTracker(TrackerConfig{PoorRatio: 0.9})

	var called int
	tracker.OnAlert(func(types.Alert) { panic("boom") })
	tracker.OnAlert(func(types.Alert) { called++ })

	assert.NotPanics(t, func() {
		tracker.Ingest(1000, 980, "gzip", time.Millisecond)
	})
	assert.Equal(t, 1, called, "later callbacks still run after a panic")
	assert.Equal(t, 1, tracker.Aggregate().Count)
}
