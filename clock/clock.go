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

package clock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PPMToScaled converts a ppm frequency offset to the 2^16-scaled value
// clock_adjtime expects in struct timex.freq.
const PPMToScaled = 65536.0

// microsPerSec is the fractional-second modulus used throughout this
// package and by the reconciliation mapping in FractionalJump.
const microsPerSec = 1000000

// Interface is the kernel clock surface the discipline loop needs.
// clockid identifies which POSIX clock (CLOCK_REALTIME by default) the
// instance adjusts.
type Interface struct {
	clockid int32
}

// New returns an Interface bound to the given clock_adjtime clock ID.
// Pass unix.CLOCK_REALTIME for the system real-time clock.
func New(clockid int32) *Interface {
	return &Interface{clockid: clockid}
}

// SetOffsetOneshot issues a non-blocking, additive slew of micros
// microseconds. The kernel clamps the actual slew rate to roughly
// ±500µs/second; this call only fails on a permission error or an
// invalid clock ID.
func (i *Interface) SetOffsetOneshot(micros int64) error {
	tx := &unix.Timex{}
	tx.Modes = unix.ADJ_OFFSET | unix.ADJ_MICRO
	tx.Offset = micros
	_, err := unix.ClockAdjtime(i.clockid, tx)
	if err != nil {
		return fmt.Errorf("clock_adjtime ADJ_OFFSET: %w", err)
	}
	return nil
}

// AdjustFrequency sets the clock's absolute frequency offset, given in
// parts per million. This replaces any previously set frequency; it is
// not additive.
func (i *Interface) AdjustFrequency(freqOffsetPPM float64) error {
	tx := &unix.Timex{}
	tx.Modes = unix.ADJ_FREQUENCY
	tx.Freq = int64(freqOffsetPPM * PPMToScaled)
	_, err := unix.ClockAdjtime(i.clockid, tx)
	if err != nil {
		return fmt.Errorf("clock_adjtime ADJ_FREQUENCY: %w", err)
	}
	return nil
}

// SetOffsetWholeAndFractional performs an atomic jump of secs seconds
// plus micros microseconds. micros must be in [0, 10^6); callers get
// that normalized pair from FractionalJump below. Used only by
// external time reconciliation, never by the per-second servo.
func (i *Interface) SetOffsetWholeAndFractional(secs int64, micros int64) error {
	tx := &unix.Timex{}
	tx.Modes = unix.ADJ_SETOFFSET | unix.ADJ_MICRO
	tx.Time.Sec = secs
	tx.Time.Usec = micros
	_, err := unix.ClockAdjtime(i.clockid, tx)
	if err != nil {
		return fmt.Errorf("clock_adjtime ADJ_SETOFFSET: %w", err)
	}
	return nil
}

// NowRealtime returns the current CLOCK_REALTIME time as (sec, nsec).
func (i *Interface) NowRealtime() (sec int64, nsec int64, err error) {
	return clockGettime(unix.CLOCK_REALTIME)
}

// NowMonotonic returns the current CLOCK_MONOTONIC time as (sec, nsec).
func (i *Interface) NowMonotonic() (sec int64, nsec int64, err error) {
	return clockGettime(unix.CLOCK_MONOTONIC)
}

func clockGettime(id int32) (sec int64, nsec int64, err error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(id, &ts); err != nil {
		return 0, 0, fmt.Errorf("clock_gettime: %w", err)
	}
	return int64(ts.Sec), int64(ts.Nsec), nil
}

// FractionalJump computes the (Δsec, Δusec) pair the reconciliation
// layer must hand to SetOffsetWholeAndFractional to apply a positive
// correction c microseconds, c ∈ [0, 2·10^6). It never encodes a
// negative fractional part directly, since ADJ_SETOFFSET requires
// micros ≥ 0.
func FractionalJump(c int64) (deltaSec int64, deltaUsec int64) {
	switch {
	case c == 0:
		return 0, 0
	case c < 500000:
		return -1, microsPerSec - c
	case c > microsPerSec:
		return -1, 2*microsPerSec - c
	default:
		return 0, microsPerSec - c
	}
}

// SignedMicros maps an unsigned fractional-second capture x ∈ [0, 10^6)
// onto the signed range (−500000, 500000], treating values past the
// midpoint as negative offsets from the next whole second.
func SignedMicros(x int64) int64 {
	if x <= 500000 {
		return x
	}
	return x - microsPerSec
}
