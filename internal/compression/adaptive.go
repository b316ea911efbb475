package compression

import "time"

// Params are the engine's working tuning knobs.
type Params struct {
	Level     int // gzip level, Limits.MinLevel..Limits.MaxLevel
	Threshold int // minimum payload size worth compressing, in bytes
}

// Observation summarizes recent compression behavior.
type Observation struct {
	AvgTime  time.Duration // mean compression time over the recent window
	AvgRatio float64       // mean compressed/original over the recent window
	Samples  int
}

// Limits bound the adaptation walk.
type Limits struct {
	MinLevel     int
	MaxLevel     int
	MinThreshold int
	MaxThreshold int

	SlowTime  time.Duration // above this average, drop the level
	FastTime  time.Duration // below this average, raise the level
	PoorRatio float64       // above this average ratio, raise the threshold
	GoodRatio float64       // below this average ratio, lower the threshold
}

// DefaultLimits are tuned for JSON event frames of a few KB.
func DefaultLimits() Limits {
	return Limits{
		MinLevel:     1,
		MaxLevel:     9,
		MinThreshold: 256,
		MaxThreshold: 16384,
		SlowTime:     10 * time.Millisecond,
		FastTime:     2 * time.Millisecond,
		PoorRatio:    0.8,
		GoodRatio:    0.5,
	}
}

// Adapt computes the next tuning parameters from the last observation.
// Pure: no clocks, no state, callable deterministically in tests.
//
// Rules, applied independently per axis:
//   - average time above SlowTime: step the level down (cheaper per call)
//   - average time below FastTime: step the level up (better ratio)
//   - average ratio above PoorRatio: double the threshold (stop wasting CPU
//     on incompressible payloads)
//   - average ratio below GoodRatio: halve the threshold (more payloads are
//     worth compressing)
func Adapt(p Params, obs Observation, lim Limits) Params {
	if obs.Samples == 0 {
		return p
	}

	next := p

	if obs.AvgTime > lim.SlowTime && next.Level > lim.MinLevel {
		next.Level--
	} else if obs.AvgTime < lim.FastTime && next.Level < lim.MaxLevel {
		next.Level++
	}

	if obs.AvgRatio > lim.PoorRatio && next.Threshold < lim.MaxThreshold {
		next.Threshold *= 2
		if next.Threshold > lim.MaxThreshold {
			next.Threshold = lim.MaxThreshold
		}
	} else if obs.AvgRatio > 0 && obs.AvgRatio < lim.GoodRatio && next.Threshold > lim.MinThreshold {
		next.Threshold /= 2
		if next.Threshold < lim.MinThreshold {
			next.Threshold = lim.MinThreshold
		}
	}

	return next
}
