package compression

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/socialpulse/realtime/internal/types"
)

// Record is one compression operation, append-only and time-windowed.
type Record struct {
	Timestamp       time.Time
	OriginalSize    int
	CompressedSize  int
	Algorithm       string
	CompressionTime time.Duration
	Ratio           float64
}

// Stats is the aggregate over the retained window.
type Stats struct {
	Count           int
	TotalOriginal   int64
	TotalCompressed int64
	BandwidthSaved  int64
	AvgRatio        float64
	AvgTime         time.Duration
}

// AlgorithmEfficiency ranks one algorithm by observed ratio.
type AlgorithmEfficiency struct {
	Algorithm string
	Count     int
	AvgRatio  float64
	AvgTime   time.Duration
}

// TrendReport describes where compression time is heading over the most
// recent samples, with a textual recommendation.
type TrendReport struct {
	Direction      string // increasing, decreasing, stable
	Slope          float64
	Samples        int
	Recommendation string
}

// TrackerConfig bounds the history and sets anomaly thresholds.
type TrackerConfig struct {
	MaxRecords   int           // hard cap on retained records (default 1000)
	Window       time.Duration // retention window (default 10m)
	PoorRatio    float64       // ratio above this raises a warning (default 0.9)
	TimeCeiling  time.Duration // time above this raises a critical alert (default 100ms)
	TrendSamples int           // samples fed to the regression (default 20)
}

// Tracker ingests compression records and derives aggregate statistics,
// efficiency rankings, trends, and anomaly alerts.
type Tracker struct {
	config TrackerConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	records []Record

	alertMu  sync.Mutex
	alertFns []func(types.Alert)
}

func NewTracker(config TrackerConfig, clock clockwork.Clock, logger zerolog.Logger) *Tracker {
	if config.MaxRecords <= 0 {
		config.MaxRecords = 1000
	}
	if config.Window <= 0 {
		config.Window = 10 * time.Minute
	}
	if config.PoorRatio <= 0 {
		config.PoorRatio = 0.9
	}
	if config.TimeCeiling <= 0 {
		config.TimeCeiling = 100 * time.Millisecond
	}
	if config.TrendSamples <= 0 {
		config.TrendSamples = 20
	}
	return &Tracker{
		config: config,
		clock:  clock,
		logger: logger.With().Str("component", "compression_stats").Logger(),
	}
}

// OnAlert registers an anomaly callback. Callbacks run synchronously during
// ingestion; a panicking callback is recovered so ingestion never aborts.
func (t *Tracker) OnAlert(fn func(types.Alert)) {
	t.alertMu.Lock()
	defer t.alertMu.Unlock()
	t.alertFns = append(t.alertFns, fn)
}

// Ingest records one compression operation. Negative or zero sizes are
// guarded: the record is dropped rather than poisoning the aggregates.
func (t *Tracker) Ingest(originalSize, compressedSize int, algorithm string, d time.Duration) {
	if originalSize <= 0 || compressedSize <= 0 {
		return
	}

	ratio := float64(compressedSize) / float64(originalSize)
	now := t.clock.Now()

	t.mu.Lock()
	t.records = append(t.records, Record{
		Timestamp:       now,
		OriginalSize:    originalSize,
		CompressedSize:  compressedSize,
		Algorithm:       algorithm,
		CompressionTime: d,
		Ratio:           ratio,
	})
	t.trimLocked(now)
	t.mu.Unlock()

	if ratio > t.config.PoorRatio {
		t.fire(types.Alert{
			Type:      "poor_compression_ratio",
			Severity:  types.SeverityWarning,
			Value:     ratio,
			Threshold: t.config.PoorRatio,
			Timestamp: now,
			Message:   "compression ratio worse than threshold",
		})
	}
	if d > t.config.TimeCeiling {
		t.fire(types.Alert{
			Type:      "slow_compression",
			Severity:  types.SeverityCritical,
			Value:     float64(d.Milliseconds()),
			Threshold: float64(t.config.TimeCeiling.Milliseconds()),
			Timestamp: now,
			Message:   "compression time over hard ceiling",
		})
	}
}

func (t *Tracker) trimLocked(now time.Time) {
	cutoff := now.Add(-t.config.Window)
	idx := 0
	for idx < len(t.records) && t.records[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		t.records = append(t.records[:0], t.records[idx:]...)
	}
	if over := len(t.records) - t.config.MaxRecords; over > 0 {
		t.records = append(t.records[:0], t.records[over:]...)
	}
}

func (t *Tracker) fire(alert types.Alert) {
	t.alertMu.Lock()
	fns := make([]func(types.Alert), len(t.alertFns))
	copy(fns, t.alertFns)
	t.alertMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error().Interface("panic_value", r).Msg("Alert callback panicked")
				}
			}()
			fn(alert)
		}()
	}
}

// Aggregate returns statistics over the retained window.
func (t *Tracker) Aggregate() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	var totalRatio float64
	var totalTime time.Duration
	for _, r := range t.records {
		s.Count++
		s.TotalOriginal += int64(r.OriginalSize)
		s.TotalCompressed += int64(r.CompressedSize)
		totalRatio += r.Ratio
		totalTime += r.CompressionTime
	}
	if s.Count > 0 {
		s.AvgRatio = totalRatio / float64(s.Count)
		s.AvgTime = totalTime / time.Duration(s.Count)
	}
	s.BandwidthSaved = s.TotalOriginal - s.TotalCompressed
	return s
}

// Observe summarizes the most recent n records for the adaptation loop.
func (t *Tracker) Observe(n int) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.records
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	if len(recent) == 0 {
		return Observation{}
	}

	var totalRatio float64
	var totalTime time.Duration
	for _, r := range recent {
		totalRatio += r.Ratio
		totalTime += r.CompressionTime
	}
	return Observation{
		AvgTime:  totalTime / time.Duration(len(recent)),
		AvgRatio: totalRatio / float64(len(recent)),
		Samples:  len(recent),
	}
}

// EfficiencyRanking returns per-algorithm averages, best ratio first.
func (t *Tracker) EfficiencyRanking() []AlgorithmEfficiency {
	t.mu.Lock()
	defer t.mu.Unlock()

	type acc struct {
		count int
		ratio float64
		time  time.Duration
	}
	byAlgo := make(map[string]*acc)
	for _, r := range t.records {
		a := byAlgo[r.Algorithm]
		if a == nil {
			a = &acc{}
			byAlgo[r.Algorithm] = a
		}
		a.count++
		a.ratio += r.Ratio
		a.time += r.CompressionTime
	}

	ranking := make([]AlgorithmEfficiency, 0, len(byAlgo))
	for algo, a := range byAlgo {
		ranking = append(ranking, AlgorithmEfficiency{
			Algorithm: algo,
			Count:     a.count,
			AvgRatio:  a.ratio / float64(a.count),
			AvgTime:   a.time / time.Duration(a.count),
		})
	}
	sort.Slice(ranking, func(i, j int) bool {
		return ranking[i].AvgRatio < ranking[j].AvgRatio
	})
	return ranking
}

// Trend fits a least-squares line through compression time over the most
// recent samples and classifies the direction.
func (t *Tracker) Trend() TrendReport {
	t.mu.Lock()
	recent := t.records
	if len(recent) > t.config.TrendSamples {
		recent = recent[len(recent)-t.config.TrendSamples:]
	}
	times := make([]float64, len(recent))
	for i, r := range recent {
		times[i] = float64(r.CompressionTime.Microseconds())
	}
	t.mu.Unlock()

	report := TrendReport{Direction: "stable", Samples: len(times)}
	if len(times) < 3 {
		report.Recommendation = "not enough samples for a trend"
		return report
	}

	// Least squares over (index, time).
	n := float64(len(times))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range times {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	report.Slope = (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)

	mean := sumY / n
	// Relative slope per sample against the mean decides significance.
	relative := 0.0
	if mean > 0 {
		relative = report.Slope / mean
	}

	switch {
	case relative > 0.02:
		report.Direction = "increasing"
		report.Recommendation = "compression time rising; consider lowering the level or raising the threshold"
	case relative < -0.02:
		report.Direction = "decreasing"
		report.Recommendation = "compression time falling; headroom to raise the level"
	default:
		report.Recommendation = "compression time stable"
	}
	return report
}
