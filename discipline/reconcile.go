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

package discipline

import (
	"math"

	log "github.com/sirupsen/logrus"
	"github.com/timepulse/ppsd/clock"
)

const (
	jumpMinSeqNum           = 10
	jumpAvgSlewThresholdUs  = 300
	fracNoCorrectionUs      = 15
	jumpSuppressSeconds     = 60
	residualDriftWindowSecs = 4
)

// ReconcilerClock is the subset of clock.Interface the reconciliation
// layer needs.
type ReconcilerClock interface {
	SetOffsetWholeAndFractional(secs int64, micros int64) error
	NowRealtime() (sec int64, nsec int64, err error)
}

// Reconciler implements external time reconciliation (spec.md §4.7):
// detecting a mid-stream external clock jump, correcting the
// fractional second without letting the servo double-count it, and
// applying a whole-second consensus delta from a side channel. It is
// owned exclusively by the discipline loop.
type Reconciler struct {
	clk ReconcilerClock

	// stopTimeSync is called once on the triggering second of a
	// detected jump, to stop a conflicting OS time-sync service. Left
	// nil (a no-op) unless the caller wires one in.
	stopTimeSync func() error

	tCount            int64
	suppressRemaining int
	residualRemaining int
	timeUpdated       bool
}

// NewReconciler returns a Reconciler seeded at the current whole-second
// real time.
func NewReconciler(clk ReconcilerClock, stopTimeSync func() error) (*Reconciler, error) {
	sec, _, err := clk.NowRealtime()
	if err != nil {
		return nil, err
	}
	return &Reconciler{clk: clk, stopTimeSync: stopTimeSync, tCount: sec}, nil
}

// TCount returns the reconciler's tracked whole-second counter.
func (r *Reconciler) TCount() int64 { return r.tCount }

// SetTCount forces the tracked counter to v.
func (r *Reconciler) SetTCount(v int64) { r.tCount = v }

// AdvanceTCount adds delta to the tracked whole-second counter, used
// for a steady per-second tick or to account for a monotonic gap.
func (r *Reconciler) AdvanceTCount(delta int64) { r.tCount += delta }

// ResetSuppression clears the post-jump suppression and residual
// windows without touching tCount. The post-restore grace window uses
// Resync, which does both.
func (r *Reconciler) ResetSuppression() {
	r.suppressRemaining = 0
	r.residualRemaining = 0
}

// Resync realigns tCount to the current whole-second real time and
// clears any pending suppression/residual window. Called once per
// second during the post-restore grace window (spec.md §4.8's "jump-
// detection counters are reinitialized each second"), so that the
// servo resettling after a restart is never mistaken for an
// externally-induced clock jump.
func (r *Reconciler) Resync() error {
	rounded, err := r.roundedNow()
	if err != nil {
		return err
	}
	r.tCount = rounded
	r.suppressRemaining = 0
	r.residualRemaining = 0
	return nil
}

// DetectAndReconcile runs one second of §4.7's jump-detection and
// fractional-reconciliation logic, after the front end and controller
// have already run for this second (spec.md §5's fixed ordering).
// ppsUsec is this second's raw captured fractional second before
// zeroOffset subtraction. adjustedUsec is documentary bookkeeping only
// — it reflects what the fractional correction just applied via
// set_offset_whole_and_fractional, but since reconciliation runs after
// the controller this tick, nothing feeds it back into this second's
// already-computed rawError; it only affects what the kernel clock
// reports starting next second.
func (r *Reconciler) DetectAndReconcile(isControlling bool, avgSlew int64, seqNum int64, hardLimit int64, clockChanged bool, ppsUsec int64) (adjustedUsec int64, err error) {
	adjustedUsec = ppsUsec

	if r.timeUpdated {
		r.timeUpdated = false
		return adjustedUsec, nil
	}

	if r.suppressRemaining > 0 {
		r.suppressRemaining--
		if r.residualRemaining > 0 {
			r.residualRemaining--
			return r.reconcileFractional(ppsUsec)
		}
		return adjustedUsec, nil
	}

	jumped := false
	if isControlling && abs64(avgSlew) < jumpAvgSlewThresholdUs && seqNum > jumpMinSeqNum {
		rounded, e := r.roundedNow()
		if e != nil {
			return adjustedUsec, e
		}
		if rounded != r.tCount {
			jumped = true
		}
	}
	if hardLimit == 1 && clockChanged {
		jumped = true
	}
	if !jumped {
		return adjustedUsec, nil
	}

	rounded, e := r.roundedNow()
	if e != nil {
		return adjustedUsec, e
	}
	r.tCount = rounded

	if r.stopTimeSync != nil {
		if err := r.stopTimeSync(); err != nil {
			log.WithError(err).Warn("failed to stop conflicting time-sync service")
		}
	}

	r.suppressRemaining = jumpSuppressSeconds
	r.residualRemaining = residualDriftWindowSecs
	return r.reconcileFractional(ppsUsec)
}

// roundedNow returns the current real time rounded to the nearest
// whole second, per spec.md §4.7's round(now_realtime().sec).
func (r *Reconciler) roundedNow() (int64, error) {
	sec, nsec, err := r.clk.NowRealtime()
	if err != nil {
		return 0, err
	}
	return int64(math.Round(float64(sec) + float64(nsec)/1e9)), nil
}

func (r *Reconciler) reconcileFractional(c int64) (adjustedUsec int64, err error) {
	relC := clock.SignedMicros(c)
	if abs64(relC) < fracNoCorrectionUs {
		return c, nil
	}
	deltaSec, deltaUsec := clock.FractionalJump(c)
	if err := r.clk.SetOffsetWholeAndFractional(deltaSec, deltaUsec); err != nil {
		return c, err
	}
	return 0, nil
}

// ApplyWholeSecondConsensus applies a non-zero whole-second delta
// received from an external time side channel (spec.md §4.7's "whole-
// second apply"). It is a no-op when delta is zero or setTimeEnabled
// is false.
func (r *Reconciler) ApplyWholeSecondConsensus(delta int64, setTimeEnabled bool) error {
	if delta == 0 || !setTimeEnabled {
		return nil
	}
	if err := r.clk.SetOffsetWholeAndFractional(delta, 0); err != nil {
		return err
	}
	r.tCount += delta
	r.timeUpdated = true
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
