package sysmon

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample holds one system resource reading.
type Sample struct {
	CPUPercent    float64 // 0..100
	MemoryPercent float64 // 0..100
	MemoryBytes   uint64
	Goroutines    int
	Timestamp     time.Time
}

// Monitor samples host CPU and memory on a fixed interval so heartbeat and
// load-factor consumers read cached values instead of measuring repeatedly.
// Constructed and injected; one instance per process.
type Monitor struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	sample Sample
}

func New(logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With().Str("component", "sysmon").Logger(),
	}
}

// Start begins periodic sampling until ctx is cancelled. The first sample is
// taken immediately so early readers never see zeroes.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.update()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.update()
			}
		}
	}()
}

func (m *Monitor) update() {
	sample := Sample{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("CPU sampling failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryBytes = vm.Used
	} else {
		m.logger.Debug().Err(err).Msg("Memory sampling failed")
	}

	m.mu.Lock()
	m.sample = sample
	m.mu.Unlock()
}

// Current returns the latest sample.
func (m *Monitor) Current() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sample
}

// LoadFactor reduces the sample to a 0..1 load signal (max of CPU and
// memory), used by the compression engine's skip decision.
func (m *Monitor) LoadFactor() float64 {
	s := m.Current()
	load := s.CPUPercent
	if s.MemoryPercent > load {
		load = s.MemoryPercent
	}
	return load / 100
}
