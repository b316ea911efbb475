package perfmetrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/socialpulse/realtime/internal/types"
)

// rateWindow is how far back the rate computations look.
const rateWindow = time.Minute

// Thresholds trigger alerts on ingestion and anchor the composite score.
type Thresholds struct {
	MaxConnections  int
	MaxResponseTime time.Duration
	MaxErrorRate    float64 // errors per second
	MaxHeapUtil     float64 // heap in-use fraction, 0..1
	MaxMessageRate  float64 // messages per second, anchors the throughput sub-score
}

// DefaultThresholds are sized for a single mid-range node.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxConnections:  10000,
		MaxResponseTime: 500 * time.Millisecond,
		MaxErrorRate:    10,
		MaxHeapUtil:     0.9,
		MaxMessageRate:  5000,
	}
}

type countedEvent struct {
	at time.Time
	n  int
}

type sizedEvent struct {
	at   time.Time
	size int
}

type timedEvent struct {
	at time.Time
	d  time.Duration
}

// memSample is one heap reading, retained for growth-rate estimation.
type memSample struct {
	at        time.Time
	heapInUse uint64
	heapSys   uint64
}

// Snapshot is a point-in-time capture retained in the historical buffer.
type Snapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	Connections     int           `json:"connections"`
	MessagesPerSec  float64       `json:"messagesPerSec"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	ErrorRate       float64       `json:"errorRate"`
	HeapUtilization float64       `json:"heapUtilization"`
	Score           float64       `json:"score"`
}

// Rates is the derived view over the last minute.
type Rates struct {
	ConnectionsPerSec    float64
	DisconnectionsPerSec float64
	MessagesPerSec       float64
	BytesPerSec          float64
	AvgMessageSize       float64
	AvgResponseTime      time.Duration
	ErrorRate            float64
	HeapUtilization      float64
	MemoryGrowthPerSec   float64 // bytes per second, oldest vs newest sample
}

// Engine aggregates connection, message, response-time, and memory events
// into rates, trends, and a composite health score, raising threshold alerts
// as events are ingested.
type Engine struct {
	thresholds Thresholds
	clock      clockwork.Clock
	logger     zerolog.Logger
	collectors *Collectors

	mu           sync.Mutex
	activeConns  int
	connects     []countedEvent
	disconnects  []countedEvent
	messages     []sizedEvent
	responses    []timedEvent
	errors       []countedEvent
	memSamples   []memSample
	history      []Snapshot
	maxHistory   int

	alertMu  sync.Mutex
	alertFns []func(types.Alert)
}

func NewEngine(thresholds Thresholds, collectors *Collectors, clock clockwork.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		thresholds: thresholds,
		clock:      clock,
		logger:     logger.With().Str("component", "perf_metrics").Logger(),
		collectors: collectors,
		maxHistory: 2880, // 24h at 30s snapshots
	}
}

// Collectors exposes the Prometheus mirrors so the composition root can
// record counters the engine itself does not derive.
func (e *Engine) Collectors() *Collectors {
	return e.collectors
}

// OnAlert registers an alert callback. Callbacks run synchronously on the
// ingesting goroutine; a panicking callback is recovered so ingestion never
// aborts, and the remaining callbacks still run.
func (e *Engine) OnAlert(fn func(types.Alert)) {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()
	e.alertFns = append(e.alertFns, fn)
}

// RecordConnect ingests n new connections (n=1 for a single connect).
func (e *Engine) RecordConnect(n int) {
	now := e.clock.Now()
	e.mu.Lock()
	e.activeConns += n
	e.connects = append(e.connects, countedEvent{now, n})
	e.trimLocked(now)
	active := e.activeConns
	e.mu.Unlock()

	if e.collectors != nil {
		e.collectors.ConnectionsTotal.Add(float64(n))
		e.collectors.ConnectionsActive.Set(float64(active))
	}
	if active > e.thresholds.MaxConnections {
		e.fire(types.Alert{
			Type:      "connection_count",
			Severity:  types.SeverityWarning,
			Value:     float64(active),
			Threshold: float64(e.thresholds.MaxConnections),
			Timestamp: now,
			Message:   "active connections above threshold",
		})
	}
}

// RecordDisconnect ingests n disconnections.
func (e *Engine) RecordDisconnect(n int) {
	now := e.clock.Now()
	e.mu.Lock()
	e.activeConns -= n
	if e.activeConns < 0 {
		e.activeConns = 0
	}
	e.disconnects = append(e.disconnects, countedEvent{now, n})
	e.trimLocked(now)
	active := e.activeConns
	e.mu.Unlock()

	if e.collectors != nil {
		e.collectors.ConnectionsActive.Set(float64(active))
	}
}

// RecordMessage ingests one sent or received message.
func (e *Engine) RecordMessage(direction string, size int, msgType string) {
	now := e.clock.Now()
	e.mu.Lock()
	e.messages = append(e.messages, sizedEvent{now, size})
	e.trimLocked(now)
	e.mu.Unlock()

	if e.collectors != nil {
		e.collectors.Messages.WithLabelValues(direction, msgType).Inc()
		e.collectors.Bytes.WithLabelValues(direction).Add(float64(size))
	}
}

// RecordResponseTime ingests one response-time sample.
func (e *Engine) RecordResponseTime(d time.Duration) {
	now := e.clock.Now()
	e.mu.Lock()
	e.responses = append(e.responses, timedEvent{now, d})
	e.trimLocked(now)
	e.mu.Unlock()

	if e.collectors != nil {
		e.collectors.ResponseTime.Observe(d.Seconds())
	}
	if d > e.thresholds.MaxResponseTime {
		e.fire(types.Alert{
			Type:      "response_time",
			Severity:  types.SeverityWarning,
			Value:     float64(d.Milliseconds()),
			Threshold: float64(e.thresholds.MaxResponseTime.Milliseconds()),
			Timestamp: now,
			Message:   "response time above threshold",
		})
	}
}

// RecordError ingests one error occurrence.
func (e *Engine) RecordError(kind string) {
	now := e.clock.Now()
	e.mu.Lock()
	e.errors = append(e.errors, countedEvent{now, 1})
	e.trimLocked(now)
	rate := e.errorRateLocked(now)
	e.mu.Unlock()

	if e.collectors != nil {
		e.collectors.Errors.WithLabelValues(kind).Inc()
	}
	if rate > e.thresholds.MaxErrorRate {
		e.fire(types.Alert{
			Type:      "error_rate",
			Severity:  types.SeverityCritical,
			Value:     rate,
			Threshold: e.thresholds.MaxErrorRate,
			Timestamp: now,
			Message:   "error rate above threshold",
		})
	}
}

// RecordMemory ingests the current heap state.
func (e *Engine) RecordMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	e.RecordMemorySample(ms.HeapInuse, ms.HeapSys)
}

// RecordMemorySample ingests an explicit heap reading (testable form).
func (e *Engine) RecordMemorySample(heapInUse, heapSys uint64) {
	now := e.clock.Now()
	e.mu.Lock()
	e.memSamples = append(e.memSamples, memSample{now, heapInUse, heapSys})
	e.trimLocked(now)
	util := heapUtil(heapInUse, heapSys)
	e.mu.Unlock()

	if e.collectors != nil {
		e.collectors.HeapInUse.Set(float64(heapInUse))
	}
	if util > e.thresholds.MaxHeapUtil {
		e.fire(types.Alert{
			Type:      "memory",
			Severity:  types.SeverityCritical,
			Value:     util,
			Threshold: e.thresholds.MaxHeapUtil,
			Timestamp: now,
			Message:   "heap utilization above threshold",
		})
	}
}

// ActiveConnections returns the current tracked connection count.
func (e *Engine) ActiveConnections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeConns
}

// Rates derives the per-second view over the last minute.
func (e *Engine) Rates() Rates {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	secs := rateWindow.Seconds()

	var r Rates
	r.ConnectionsPerSec = float64(sumCounted(e.connects, now)) / secs
	r.DisconnectionsPerSec = float64(sumCounted(e.disconnects, now)) / secs

	var msgCount int
	var msgBytes int64
	for _, m := range e.messages {
		if now.Sub(m.at) <= rateWindow {
			msgCount++
			msgBytes += int64(m.size)
		}
	}
	r.MessagesPerSec = float64(msgCount) / secs
	r.BytesPerSec = float64(msgBytes) / secs
	if msgCount > 0 {
		r.AvgMessageSize = float64(msgBytes) / float64(msgCount)
	}

	var respTotal time.Duration
	var respCount int
	for _, t := range e.responses {
		if now.Sub(t.at) <= rateWindow {
			respTotal += t.d
			respCount++
		}
	}
	if respCount > 0 {
		r.AvgResponseTime = respTotal / time.Duration(respCount)
	}

	r.ErrorRate = e.errorRateLocked(now)

	if n := len(e.memSamples); n > 0 {
		newest := e.memSamples[n-1]
		r.HeapUtilization = heapUtil(newest.heapInUse, newest.heapSys)
		oldest := e.memSamples[0]
		if span := newest.at.Sub(oldest.at).Seconds(); span > 0 {
			r.MemoryGrowthPerSec = (float64(newest.heapInUse) - float64(oldest.heapInUse)) / span
		}
	}

	return r
}

// Score computes the composite performance score 0-100 from four clamped
// sub-scores: response time, error rate, throughput, and memory.
func (e *Engine) Score() float64 {
	r := e.Rates()

	response := clampScore(float64(r.AvgResponseTime), float64(e.thresholds.MaxResponseTime))
	errRate := clampScore(r.ErrorRate, e.thresholds.MaxErrorRate)
	throughput := clampScore(r.MessagesPerSec, e.thresholds.MaxMessageRate)
	memory := clampScore(r.HeapUtilization, e.thresholds.MaxHeapUtil)

	return (response + errRate + throughput + memory) / 4
}

// TakeSnapshot records the current metrics into the bounded history.
func (e *Engine) TakeSnapshot() Snapshot {
	r := e.Rates()
	snap := Snapshot{
		Timestamp:       e.clock.Now(),
		Connections:     e.ActiveConnections(),
		MessagesPerSec:  r.MessagesPerSec,
		AvgResponseTime: r.AvgResponseTime,
		ErrorRate:       r.ErrorRate,
		HeapUtilization: r.HeapUtilization,
		Score:           e.Score(),
	}

	e.mu.Lock()
	e.history = append(e.history, snap)
	if len(e.history) > e.maxHistory {
		e.history = append(e.history[:0], e.history[len(e.history)-e.maxHistory:]...)
	}
	e.mu.Unlock()

	if e.collectors != nil {
		e.collectors.Score.Set(snap.Score)
	}
	return snap
}

// StartSnapshots runs the periodic snapshot job until ctx is cancelled.
func (e *Engine) StartSnapshots(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := e.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				e.RecordMemory()
				e.TakeSnapshot()
			}
		}
	}()
}

// History returns snapshots within the look-back window, oldest first.
func (e *Engine) History(lookback time.Duration) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().Add(-lookback)
	var out []Snapshot
	for _, s := range e.history {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// TrendDirection classifies a metric's movement over the look-back window by
// comparing the first and last retained snapshots against a relative-change
// threshold of 10%.
func (e *Engine) TrendDirection(metric string, lookback time.Duration) string {
	snaps := e.History(lookback)
	if len(snaps) < 2 {
		return "stable"
	}

	value := func(s Snapshot) float64 {
		switch metric {
		case "connections":
			return float64(s.Connections)
		case "response_time":
			return float64(s.AvgResponseTime)
		case "error_rate":
			return s.ErrorRate
		case "memory":
			return s.HeapUtilization
		default:
			return s.MessagesPerSec
		}
	}

	first, last := value(snaps[0]), value(snaps[len(snaps)-1])
	if first == 0 {
		if last == 0 {
			return "stable"
		}
		return "increasing"
	}

	change := (last - first) / first
	switch {
	case change > 0.1:
		return "increasing"
	case change < -0.1:
		return "decreasing"
	default:
		return "stable"
	}
}

func (e *Engine) fire(alert types.Alert) {
	e.alertMu.Lock()
	fns := make([]func(types.Alert), len(e.alertFns))
	copy(fns, e.alertFns)
	e.alertMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Interface("panic_value", r).Str("alert", alert.Type).Msg("Alert callback panicked")
				}
			}()
			fn(alert)
		}()
	}
}

func (e *Engine) errorRateLocked(now time.Time) float64 {
	return float64(sumCounted(e.errors, now)) / rateWindow.Seconds()
}

// trimLocked drops events older than the rate window. Memory samples keep a
// slightly longer tail so growth estimation has a baseline.
func (e *Engine) trimLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	e.connects = trimCounted(e.connects, cutoff)
	e.disconnects = trimCounted(e.disconnects, cutoff)
	e.errors = trimCounted(e.errors, cutoff)

	idx := 0
	for idx < len(e.messages) && e.messages[idx].at.Before(cutoff) {
		idx++
	}
	e.messages = e.messages[idx:]

	idx = 0
	for idx < len(e.responses) && e.responses[idx].at.Before(cutoff) {
		idx++
	}
	e.responses = e.responses[idx:]

	memCutoff := now.Add(-5 * rateWindow)
	idx = 0
	for idx < len(e.memSamples) && e.memSamples[idx].at.Before(memCutoff) {
		idx++
	}
	e.memSamples = e.memSamples[idx:]
}

func trimCounted(events []countedEvent, cutoff time.Time) []countedEvent {
	idx := 0
	for idx < len(events) && events[idx].at.Before(cutoff) {
		idx++
	}
	return events[idx:]
}

func sumCounted(events []countedEvent, now time.Time) int {
	total := 0
	for _, ev := range events {
		if now.Sub(ev.at) <= rateWindow {
			total += ev.n
		}
	}
	return total
}

func heapUtil(inUse, sys uint64) float64 {
	if sys == 0 {
		return 0
	}
	return float64(inUse) / float64(sys)
}

func clampScore(observed, threshold float64) float64 {
	if threshold <= 0 {
		return 100
	}
	score := 100 - (observed/threshold)*100
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
