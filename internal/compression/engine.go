package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const algorithmGzip = "gzip"

// Skip reasons attached to uncompressed results.
const (
	SkipDisabled       = "compression disabled"
	SkipHighLoad       = "load factor above limit"
	SkipBelowThreshold = "payload below adaptive threshold"
)

// Result is the engine's answer for one payload. The caller never receives a
// hard failure from this path: on error Data holds the original bytes and Err
// carries the cause.
type Result struct {
	Compressed     bool
	Data           []byte
	OriginalSize   int
	CompressedSize int
	Ratio          float64
	Algorithm      string
	SkipReason     string
	Err            error
}

// EngineConfig holds the engine's tunables.
type EngineConfig struct {
	Enabled       bool
	Level         int           // initial gzip level
	Threshold     int           // initial minimum payload size
	Workers       int           // bounded concurrent compression slots (default 4)
	MaxLoad       float64       // skip compression above this load factor (default 0.9)
	Limits        Limits        // adaptation bounds; zero value replaced by DefaultLimits
	AdaptEvery    int           // run adaptation after this many operations (default 1)
	ObserveWindow int           // recent samples fed to adaptation (default 10)
	TimeCeiling   time.Duration // stats anomaly ceiling, forwarded to the tracker
}

// Engine compresses outbound payloads under a bounded concurrency cap and
// adapts its level and size threshold to observed behavior.
//
// Requests beyond the worker cap queue on the slot channel and are served as
// slots free; under contention the behavior is waiting or skipping, never an
// error surfaced to the end client.
type Engine struct {
	config EngineConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	tracker *Tracker
	slots   chan struct{}

	// loadFactor reports current system load 0..1; injected so the engine
	// owns no sampling of its own.
	loadFactor func() float64

	mu     sync.Mutex
	params Params
	ops    int
}

func NewEngine(config EngineConfig, tracker *Tracker, loadFactor func() float64, clock clockwork.Clock, logger zerolog.Logger) *Engine {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxLoad <= 0 {
		config.MaxLoad = 0.9
	}
	if config.AdaptEvery <= 0 {
		config.AdaptEvery = 1
	}
	if config.ObserveWindow <= 0 {
		config.ObserveWindow = 10
	}
	if config.Limits == (Limits{}) {
		config.Limits = DefaultLimits()
	}
	if config.Level == 0 {
		config.Level = 6
	}
	if config.Threshold == 0 {
		config.Threshold = 1024
	}
	if loadFactor == nil {
		loadFactor = func() float64 { return 0 }
	}
	return &Engine{
		config:     config,
		clock:      clock,
		logger:     logger.With().Str("component", "compression_engine").Logger(),
		tracker:    tracker,
		slots:      make(chan struct{}, config.Workers),
		loadFactor: loadFactor,
		params:     Params{Level: config.Level, Threshold: config.Threshold},
	}
}

// Params returns the current adaptive parameters.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Compress compresses data when it is worth doing so. Skips (with a reason)
// when disabled, under high load, or below the adaptive size threshold; on
// algorithm failure falls back to the original bytes with the error attached.
func (e *Engine) Compress(data []byte) Result {
	original := len(data)

	if !e.config.Enabled {
		return skipped(data, SkipDisabled)
	}
	if e.loadFactor() > e.config.MaxLoad {
		return skipped(data, SkipHighLoad)
	}

	e.mu.Lock()
	params := e.params
	e.mu.Unlock()

	if original < params.Threshold {
		return skipped(data, SkipBelowThreshold)
	}

	// Bounded worker slot; waits FIFO-ish on the channel when all slots are
	// busy rather than spawning unbounded compressors.
	e.slots <- struct{}{}
	defer func() { <-e.slots }()

	start := e.clock.Now()
	compressed, err := gzipCompress(data, params.Level)
	elapsed := e.clock.Since(start)

	if err != nil {
		e.logger.Warn().Err(err).Int("size", original).Msg("Compression failed, falling back to uncompressed")
		return Result{
			Compressed:     false,
			Data:           data,
			OriginalSize:   original,
			CompressedSize: original,
			Ratio:          1,
			Algorithm:      "none",
			Err:            err,
		}
	}

	if e.tracker != nil {
		e.tracker.Ingest(original, len(compressed), algorithmGzip, elapsed)
	}
	e.adapt()

	return Result{
		Compressed:     true,
		Data:           compressed,
		OriginalSize:   original,
		CompressedSize: len(compressed),
		Ratio:          float64(len(compressed)) / float64(original),
		Algorithm:      algorithmGzip,
	}
}

// Decompress is the strict inverse of Compress for compressed results.
func (e *Engine) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}

// adapt runs the pure adaptation function against the recent observation and
// swaps in the next parameters.
func (e *Engine) adapt() {
	e.mu.Lock()
	e.ops++
	due := e.ops%e.config.AdaptEvery == 0
	e.mu.Unlock()
	if !due || e.tracker == nil {
		return
	}

	obs := e.tracker.Observe(e.config.ObserveWindow)

	e.mu.Lock()
	prev := e.params
	e.params = Adapt(prev, obs, e.config.Limits)
	next := e.params
	e.mu.Unlock()

	if next != prev {
		e.logger.Debug().
			Int("level", next.Level).
			Int("threshold", next.Threshold).
			Dur("avg_time", obs.AvgTime).
			Float64("avg_ratio", obs.AvgRatio).
			Msg("Compression parameters adapted")
	}
}

func skipped(data []byte, reason string) Result {
	size := len(data)
	ratio := 1.0
	if size == 0 {
		ratio = 0
	}
	return Result{
		Compressed:     false,
		Data:           data,
		OriginalSize:   size,
		CompressedSize: size,
		Ratio:          ratio,
		Algorithm:      "none",
		SkipReason:     reason,
	}
}

func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("invalid gzip level %d: %w", level, err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}
