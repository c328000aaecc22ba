/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package noise implements the jitter-rejection front end that sits
// between a raw PPS sample and the servo: spike suppression, an
// adaptive clamp, and the distribution bookkeeping used to size that
// clamp.
package noise

import (
	"math"

	"github.com/eclesh/welford"
)

const (
	maxHardLimit        = 32768
	minHardLimit        = 1
	spikeStreakCap      = 60
	spikeMinSustainedUs = 1000
	expAvgRate          = 0.1
	relSpikeGap         = 80
	absSpikeFloor       = 4
	clampAbsoluteEnter  = 4
	clampAbsoluteExit   = 16
)

// ClampMode is the tagged clamp-selection variant of §4.2 step 5: the
// transition between its two values is gated by hysteresis, not a
// single threshold, so it is modeled as an explicit enum rather than a
// bare bool.
type ClampMode int

const (
	// ClampRelative clamps around rawErrorAvg.
	ClampRelative ClampMode = iota
	// ClampAbsolute clamps around zero.
	ClampAbsolute
)

func (m ClampMode) String() string {
	switch m {
	case ClampAbsolute:
		return "absolute"
	case ClampRelative:
		return "relative"
	default:
		return "unknown"
	}
}

// FrontEnd is the jitter-rejection stage. It is owned exclusively by
// the discipline loop that drives it once per second and is not safe
// for concurrent use.
type FrontEnd struct {
	hist histogram

	hardLimit   int64
	clampMode   ClampMode
	rawErrorAvg float64
	noiseLevel  float64

	streakCount  int
	streakMin    int64
	clockChanged bool

	// noiseStats is a supplementary, published-only statistic. It never
	// feeds back into rawErrorAvg/noiseLevel or any clamp decision.
	noiseStats *welford.Stats
}

// New returns a FrontEnd in its pre-lock state: hardLimit forced wide
// open until the controller has accumulated 60 active seconds.
func New() *FrontEnd {
	return &FrontEnd{hardLimit: maxHardLimit, clampMode: ClampRelative, noiseStats: welford.New()}
}

// Update runs one second's worth of raw error through the full §4.2
// pipeline. avgSlew and avgCorrection are supplied by the slew tracker
// and controller respectively, since both are computed elsewhere but
// feed into this stage's hard-limit adaptation. It returns the clamped
// zeroError to hand to the controller, and whether this sample was
// suppressed as a delay spike (in which case zeroError is always 0 and
// the controller must skip this second's correction).
func (f *FrontEnd) Update(rawError, avgSlew int64, isControlling bool, activeCount int, avgCorrection float64) (zeroError int64, spike bool) {
	f.hist.observe(rawError, f.hardLimit == minHardLimit)
	f.noiseStats.Add(float64(rawError))

	spike = f.detectSpike(rawError, isControlling)

	f.adaptHardLimit(avgSlew, avgCorrection, activeCount)
	f.selectClampMode()

	zeroError = f.clamp(rawError)
	if spike {
		return 0, true
	}
	return zeroError, false
}

func (f *FrontEnd) limitCondition(rawError int64, isControlling bool) bool {
	if f.clampMode == ClampAbsolute {
		return f.hardLimit == minHardLimit && rawError >= absSpikeFloor
	}
	return isControlling && (rawError-int64(f.rawErrorAvg)) >= relSpikeGap
}

func (f *FrontEnd) detectSpike(rawError int64, isControlling bool) bool {
	if f.limitCondition(rawError, isControlling) {
		f.streakCount++
		if f.streakCount == 1 || rawError < f.streakMin {
			f.streakMin = rawError
		}
		if f.streakCount > spikeStreakCap {
			if f.streakMin > spikeMinSustainedUs {
				f.clockChanged = true
			}
			f.streakCount = 0
			f.streakMin = 0
			return false
		}
		return true
	}
	if isControlling {
		delta := float64(rawError) - f.rawErrorAvg
		f.rawErrorAvg += expAvgRate * delta
		f.noiseLevel += expAvgRate * (math.Abs(delta) - f.noiseLevel)
	}
	f.streakCount = 0
	return false
}

func (f *FrontEnd) adaptHardLimit(avgSlew int64, avgCorrection float64, activeCount int) {
	if activeCount < 60 {
		f.hardLimit = maxHardLimit
		return
	}
	if abs64(avgSlew) > 300 {
		threshold := 4 * abs64(avgSlew)
		for f.hardLimit < maxHardLimit && f.hardLimit <= threshold {
			f.hardLimit *= 2
		}
		if f.hardLimit > maxHardLimit {
			f.hardLimit = maxHardLimit
		}
		return
	}
	mag := math.Abs(avgCorrection)
	switch {
	case mag < 0.25*float64(f.hardLimit) && f.hardLimit > minHardLimit:
		f.hardLimit /= 2
	case mag > 0.5*float64(f.hardLimit):
		f.hardLimit *= 2
		if f.hardLimit > maxHardLimit {
			f.hardLimit = maxHardLimit
		}
	}
}

func (f *FrontEnd) selectClampMode() {
	if f.rawErrorAvg < 1.0 && f.hardLimit <= clampAbsoluteEnter {
		f.clampMode = ClampAbsolute
	}
	if f.hardLimit >= clampAbsoluteExit {
		f.clampMode = ClampRelative
	}
}

func (f *FrontEnd) clamp(rawError int64) int64 {
	var lo, hi int64
	if f.clampMode == ClampAbsolute {
		lo, hi = -f.hardLimit, f.hardLimit
	} else {
		base := int64(f.rawErrorAvg)
		lo, hi = base-f.hardLimit, base+f.hardLimit
	}
	clamped := clampInt64(rawError, lo, hi)
	if f.clampMode == ClampAbsolute {
		delta := float64(clamped) - f.rawErrorAvg
		f.rawErrorAvg += expAvgRate * delta
		f.noiseLevel += expAvgRate * (math.Abs(delta) - f.noiseLevel)
	}
	return clamped
}

// HardLimit returns the current adaptive clamp width.
func (f *FrontEnd) HardLimit() int64 { return f.hardLimit }

// SetHardLimit forces the adaptive clamp width, used when restoring a
// persisted snapshot so adaptHardLimit resumes from where it left off
// rather than re-opening wide.
func (f *FrontEnd) SetHardLimit(v int64) { f.hardLimit = v }

// ClampMode returns the currently selected clamp variant.
func (f *FrontEnd) ClampMode() ClampMode { return f.clampMode }

// RawErrorAvg returns the exponentially averaged raw error.
func (f *FrontEnd) RawErrorAvg() float64 { return f.rawErrorAvg }

// NoiseLevel returns the exponentially averaged absolute deviation.
func (f *FrontEnd) NoiseLevel() float64 { return f.noiseLevel }

// NoiseStdDevUs returns the Welford streaming standard deviation of
// raw error, a supplementary published-only statistic distinct from
// the exponential NoiseLevel the servo's clamp logic actually reads.
func (f *FrontEnd) NoiseStdDevUs() float64 { return f.noiseStats.Stddev() }

// ClockChanged reports whether a sustained delay-spike streak exceeded
// the cap with a minimum value over 1000µs, indicating the system
// clock was stepped externally. It stays latched until the caller
// explicitly clears it via AcknowledgeClockChanged.
func (f *FrontEnd) ClockChanged() bool { return f.clockChanged }

// AcknowledgeClockChanged clears the latched clockChanged flag once the
// reconciliation layer has handled it.
func (f *FrontEnd) AcknowledgeClockChanged() { f.clockChanged = false }

// Histogram returns a snapshot of the raw-error distribution.
func (f *FrontEnd) Histogram() [121]float64 { return f.hist.Bins() }

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
