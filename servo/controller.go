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

// Package servo implements the two-stage offset-and-frequency control
// loop: a 60-entry moving average of one-shot time corrections feeds
// ten minute-phased integrators, which drive an absolute frequency
// adjustment once per minute.
package servo

const (
	fifoSize            = 60
	numIntegrals        = 10
	integralWindowStart = 50
	integralGain        = 0.63212055882855767840447622983854 // 1 - 1/e
	acquireSeqThreshold = 60
)

// State is the tagged two-stage variant: TypeOne is offset-only
// control before the slew has settled, TypeTwo adds the frequency
// integrators once it has.
type State int

const (
	StateTypeOne State = iota
	StateTypeTwo
)

func (s State) String() string {
	switch s {
	case StateTypeOne:
		return "TYPE1"
	case StateTypeTwo:
		return "TYPE2"
	}
	return "UNSUPPORTED"
}

// ClockAdjuster is the subset of the kernel clock interface the
// controller drives. It is satisfied by clock.Interface; accepting it
// here rather than a concrete type keeps this package testable
// without a real clock_adjtime handle.
type ClockAdjuster interface {
	SetOffsetOneshot(usec int64) error
	AdjustFrequency(freqOffsetPPM float64) error
}

// Controller is the PPS servo. It is owned exclusively by the
// discipline loop that drives it once per second and is not safe for
// concurrent use.
type Controller struct {
	clk ClockAdjuster

	seqNum      int64
	state       State
	activeCount int

	invProportionalGain int64

	correctionFifo      [fifoSize]int64
	correctionFifoIdx   int
	correctionFifoCount int
	correctionAccum     int64

	integral      [numIntegrals]float64
	avgIntegral   float64
	integralCount int

	freqOffset float64
}

// New returns a Controller in its pre-lock, type-1 state.
func New(clk ClockAdjuster) *Controller {
	return &Controller{clk: clk, invProportionalGain: 4}
}

// SeqNum returns the number of seconds processed so far, including
// spike-suppressed ones.
func (c *Controller) SeqNum() int64 { return c.seqNum }

// ActiveCount returns the number of controlling (type-2) seconds that
// produced a correction, i.e. excluding pre-lock seconds and
// spike-suppressed seconds. Always ≤ SeqNum.
func (c *Controller) ActiveCount() int { return c.activeCount }

// State returns the current control stage.
func (c *Controller) State() State { return c.state }

// InvProportionalGain returns the current proportional divisor, 4
// before lock and 1 after.
func (c *Controller) InvProportionalGain() int64 { return c.invProportionalGain }

// IsControlling reports whether the controller has transitioned to
// type-2 (offset+frequency) control.
func (c *Controller) IsControlling() bool { return c.state == StateTypeTwo }

// AcquireIfReady promotes the controller to type-2 control once the
// slew gate has latched low and at least 60 seconds have been
// processed. Promotion drops invProportionalGain from 4 to 1 and is
// one-way: it never demotes back to type-1 without a restart.
func (c *Controller) AcquireIfReady(slewIsLow bool) {
	if c.state == StateTypeTwo {
		return
	}
	if slewIsLow && c.seqNum >= acquireSeqThreshold {
		c.state = StateTypeTwo
		c.invProportionalGain = 1
	}
}

// AvgCorrection returns the 60-second moving average of time
// corrections, or the average of however many have been recorded if
// fewer than 60.
func (c *Controller) AvgCorrection() float64 {
	if c.correctionFifoCount == 0 {
		return 0
	}
	n := c.correctionFifoCount
	if n > fifoSize {
		n = fifoSize
	}
	return float64(c.correctionAccum) / float64(n)
}

// FreqOffset returns the cumulative absolute frequency offset, in
// parts per million, last issued to the clock.
func (c *Controller) FreqOffset() float64 { return c.freqOffset }

// Snapshot is the subset of controller state a persisted snapshot
// needs to carry across a restart without relearning lock.
type Snapshot struct {
	Integral            [numIntegrals]float64
	AvgIntegral         float64
	IntegralCount       int
	CorrectionFifo      [fifoSize]int64
	CorrectionFifoCount int
	CorrectionAccum     int64
	CorrectionFifoIdx   int
	FreqOffset          float64
	ActiveCount         int
	SeqNum              int64
	IsControlling       bool
}

// Snapshot captures the controller's current state.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Integral:            c.integral,
		AvgIntegral:         c.avgIntegral,
		IntegralCount:       c.integralCount,
		CorrectionFifo:      c.correctionFifo,
		CorrectionFifoCount: c.correctionFifoCount,
		CorrectionAccum:     c.correctionAccum,
		CorrectionFifoIdx:   c.correctionFifoIdx,
		FreqOffset:          c.freqOffset,
		ActiveCount:         c.activeCount,
		SeqNum:              c.seqNum,
		IsControlling:       c.IsControlling(),
	}
}

// Restore applies a previously captured Snapshot. A controlling
// snapshot restores directly into type-2 state with gain 1; a
// non-controlling one stays in type-1 with gain 4, matching whatever
// AcquireIfReady would have produced by this point.
func (c *Controller) Restore(s Snapshot) {
	c.integral = s.Integral
	c.avgIntegral = s.AvgIntegral
	c.integralCount = s.IntegralCount
	c.correctionFifo = s.CorrectionFifo
	c.correctionFifoCount = s.CorrectionFifoCount
	c.correctionAccum = s.CorrectionAccum
	c.correctionFifoIdx = s.CorrectionFifoIdx
	c.freqOffset = s.FreqOffset
	c.activeCount = s.ActiveCount
	c.seqNum = s.SeqNum
	if s.IsControlling {
		c.state = StateTypeTwo
		c.invProportionalGain = 1
	}
}

// Tick runs one second of control. zeroError is the front end's
// clamped error; spike indicates the front end suppressed this second
// as a delay spike, in which case no time correction is issued at
// all. The one-shot offset correction is applied pre-lock as well as
// post-lock, but the moving average, the minute integrators, the
// once-a-minute frequency adjustment, and activeCount only run once
// the controller is in type-2 control: activeCount is a count of
// controlling seconds, not of seconds processed. Before that, a
// second still counts toward seqNum but otherwise has no further
// effect here. The whole-second counter used for jump detection lives
// in discipline.Reconciler, which the loop advances by the monotonic
// clock delta every second, controlling or not; it is not realigned
// to wall-clock time on non-controlling seconds.
func (c *Controller) Tick(zeroError int64, spike bool) error {
	c.seqNum++

	if spike {
		return nil
	}

	timeCorrection := -zeroError / c.invProportionalGain
	if err := c.clk.SetOffsetOneshot(timeCorrection); err != nil {
		return err
	}

	if !c.IsControlling() {
		return nil
	}

	idx := c.correctionFifoIdx
	c.pushCorrection(idx, timeCorrection)
	c.activeCount++
	c.integrate(idx)

	c.correctionFifoIdx++
	if c.correctionFifoIdx >= fifoSize {
		c.correctionFifoIdx = 0
	}
	if idx == fifoSize-1 {
		return c.rollMinute()
	}
	return nil
}

func (c *Controller) pushCorrection(idx int, v int64) {
	if c.correctionFifoCount < fifoSize {
		c.correctionFifoCount++
	} else {
		c.correctionAccum -= c.correctionFifo[idx]
	}
	c.correctionFifo[idx] = v
	c.correctionAccum += v
}

// integrate accumulates the current moving average into the
// minute-phased integrator for seconds 50..59 of the minute (idx is
// the position before this tick's increment, matching the second just
// processed).
func (c *Controller) integrate(idx int) {
	if idx < integralWindowStart {
		return
	}
	i := idx - integralWindowStart
	avg := c.AvgCorrection()
	c.integral[i] += avg
	if c.invProportionalGain == 1 {
		c.avgIntegral += c.integral[i]
		c.integralCount++
	}
}

// rollMinute fires once per minute (correctionFifoIdx wrapped to 0):
// it picks an integrator, issues the cumulative frequency adjustment,
// and resets the minute-phased accumulators for the next cycle.
func (c *Controller) rollMinute() error {
	var chosen float64
	if c.invProportionalGain == 1 && c.integralCount == numIntegrals {
		chosen = c.avgIntegral / numIntegrals
	} else {
		chosen = c.integral[numIntegrals-1]
	}

	c.freqOffset += chosen * integralGain
	err := c.clk.AdjustFrequency(c.freqOffset)

	c.integral = [numIntegrals]float64{}
	c.avgIntegral = 0
	c.integralCount = 0

	return err
}
