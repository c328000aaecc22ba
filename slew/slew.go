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

// Package slew tracks a short-window average of raw PPS error and gates
// the transition from offset-only to offset+frequency control.
package slew

import (
	"github.com/timepulse/ppsd/boundedlist"
)

const (
	windowSize  = 10
	spikeGap    = 80
	lowThreshUs = 300
)

// Tracker maintains avgSlew, the running short-window average of raw
// error, and latches slewIsLow once that average settles under the
// locking threshold. It is owned exclusively by the component that
// drives it once per second (the PPS loop) and is not safe for
// concurrent use.
type Tracker struct {
	list    *boundedlist.List
	accum   int64
	count   int
	avgSlew int64
	isLow   bool
}

// New returns a Tracker ready to accept samples.
func New() *Tracker {
	return &Tracker{list: boundedlist.New(windowSize)}
}

// Update feeds one second's raw error into the window. Every 10 samples
// it recomputes avgSlew as whichever of "plain 10-sample average" or
// "mean of entries after dropping the high tail whose entries each sit
// ≥80µs above their next-lower neighbour" has the smaller magnitude, favoring the measurement least
// contaminated by a delay-spike tail. It returns the (possibly
// unchanged) current avgSlew.
func (t *Tracker) Update(rawError int64) int64 {
	t.list.Insert(rawError)
	t.accum += rawError
	t.count++
	if t.count < windowSize {
		return t.avgSlew
	}
	avgRaw := t.accum / windowSize
	avgNoSpike := int64(t.list.MeanBelowGap(spikeGap))
	if abs64(avgNoSpike) < abs64(avgRaw) {
		t.avgSlew = avgNoSpike
	} else {
		t.avgSlew = avgRaw
	}
	t.accum = 0
	t.count = 0
	t.list.Clear()
	if !t.isLow && abs64(t.avgSlew) < lowThreshUs {
		t.isLow = true
	}
	return t.avgSlew
}

// AvgSlew returns the current short-window average raw error.
func (t *Tracker) AvgSlew() int64 {
	return t.avgSlew
}

// IsLow reports the latched slewIsLow flag: once true it stays true
// until Reset is called, regardless of later excursions.
func (t *Tracker) IsLow() bool {
	return t.isLow
}

// ForceLow latches slewIsLow without requiring the tracker to observe
// a settled window itself, used when restoring a persisted snapshot
// that was already past the gate.
func (t *Tracker) ForceLow() {
	t.isLow = true
}

// Reset clears the tracker back to its initial state, including the
// slewIsLow latch.
func (t *Tracker) Reset() {
	t.list.Clear()
	t.accum = 0
	t.count = 0
	t.avgSlew = 0
	t.isLow = false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
