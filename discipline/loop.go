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

// Package discipline wires the noise front end, slew tracker, servo
// controller, kernel clock, PPS device, and external-time
// reconciliation into the single-owner per-second loop spec.md §4.6
// describes, plus the ambient config/logging/metrics/persistence
// machinery around it.
package discipline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timepulse/ppsd/noise"
	"github.com/timepulse/ppsd/servo"
	"github.com/timepulse/ppsd/slew"
	"golang.org/x/sys/unix"
)

const (
	microsPerSec           = 1000000
	missedPPSWarnStreak    = 15
	missedPPSFatalStreak   = 3600
	restartHardLimitUs     = 1024
	restartAvgSlewUs       = 300
	restoreGraceSeconds    = 60
	preRollOffsetUs        = -500
)

// PPSReader is the subset of *pps.Device the loop needs.
type PPSReader interface {
	Fetch(timeout time.Duration) (sec int64, usec int64, err error)
}

// LoopClock is the subset of *clock.Interface the loop needs; it is
// the union of what the servo controller and the reconciler require,
// plus monotonic time for missed-PPS detection.
type LoopClock interface {
	servo.ClockAdjuster
	ReconcilerClock
	NowMonotonic() (sec int64, nsec int64, err error)
}

// ConsensusSource is the contract a side channel's Handoff must
// satisfy: a non-blocking read of the latest whole-second consensus
// delta, if any arrived since the last read.
type ConsensusSource interface {
	Take() (deltaSeconds int64, ok bool)
}

// Loop is the PPS discipline loop. All of its component state
// (front end, slew tracker, controller, reconciler) is owned
// exclusively by the goroutine that calls Run; nothing here is safe
// for concurrent use except through the documented handoff points.
type Loop struct {
	cfg Config
	clk LoopClock
	dev PPSReader

	front *noise.FrontEnd
	slewT *slew.Tracker
	ctrl  *servo.Controller
	recon *Reconciler

	status    *StatusBuffer
	sampleLog SampleLogger
	metrics   *MetricsServer
	alerter   *Alerter

	consensus ConsensusSource

	lostStreak            int
	lastMonoSec           int64
	exitRequested         bool
	startingFromRestore   bool
	restoreGraceRemaining int
}

// New builds a Loop from its already-open collaborators. Callers
// assemble cfg, clk, dev, and the optional status/log/metrics/alert
// collaborators (any may be nil to disable that concern) before
// calling Run.
func New(cfg Config, clk LoopClock, dev PPSReader) (*Loop, error) {
	recon, err := NewReconciler(clk, nil)
	if err != nil {
		return nil, fmt.Errorf("discipline: init reconciler: %w", err)
	}
	l := &Loop{
		cfg:   cfg,
		clk:   clk,
		dev:   dev,
		front: noise.New(),
		slewT: slew.New(),
		ctrl:  servo.New(clk),
		recon: recon,
	}
	return l, nil
}

// SetStatusBuffer wires the shared-memory status publication sink.
func (l *Loop) SetStatusBuffer(b *StatusBuffer) { l.status = b }

// SetSampleLogger wires the durable per-second CSV logger.
func (l *Loop) SetSampleLogger(s SampleLogger) { l.sampleLog = s }

// SetMetrics wires the optional Prometheus exporter.
func (l *Loop) SetMetrics(m *MetricsServer) { l.metrics = m }

// SetAlerter wires the optional status-alerting expression.
func (l *Loop) SetAlerter(a *Alerter) { l.alerter = a }

// SetConsensusSource wires the active external-time side channel
// (NIST or serial GPS — spec.md §6 makes them mutually exclusive, so
// callers wire at most one).
func (l *Loop) SetConsensusSource(c ConsensusSource) { l.consensus = c }

// Restore applies a persisted snapshot (spec.md §4.8): the
// integrators, correction ring, and frequency offset are restored,
// the restored frequency is issued to the clock immediately, and the
// loop enters a 60-second post-restore grace window during which a
// servo divergence forces a cold restart rather than waiting out the
// usual hard-limit threshold.
func (l *Loop) Restore(s Snapshot) error {
	l.ctrl.Restore(servo.Snapshot{
		Integral:            s.Integral,
		AvgIntegral:         s.AvgIntegral,
		IntegralCount:       s.IntegralCount,
		CorrectionFifo:      s.CorrectionFifo,
		CorrectionFifoCount: s.CorrectionFifoCount,
		CorrectionAccum:     s.CorrectionAccum,
		CorrectionFifoIdx:   s.CorrectionFifoIdx,
		FreqOffset:          s.FreqOffset,
		ActiveCount:         s.ActiveCount,
		SeqNum:              s.SeqNum,
		IsControlling:       s.IsControlling,
	})
	if s.SlewIsLow {
		l.slewT.ForceLow()
	}
	l.front.SetHardLimit(s.HardLimit)
	l.startingFromRestore = true
	l.restoreGraceRemaining = restoreGraceSeconds
	if err := l.clk.AdjustFrequency(s.FreqOffset); err != nil {
		return fmt.Errorf("discipline: restore AdjustFrequency: %w", err)
	}
	return nil
}

// Snapshot captures the loop's current state for persistence.
func (l *Loop) Snapshot() Snapshot {
	cs := l.ctrl.Snapshot()
	return Snapshot{
		Integral:            cs.Integral,
		AvgIntegral:         cs.AvgIntegral,
		IntegralCount:       cs.IntegralCount,
		CorrectionFifo:      cs.CorrectionFifo,
		CorrectionFifoCount: cs.CorrectionFifoCount,
		CorrectionAccum:     cs.CorrectionAccum,
		CorrectionFifoIdx:   cs.CorrectionFifoIdx,
		FreqOffset:          cs.FreqOffset,
		ActiveCount:         cs.ActiveCount,
		SeqNum:              cs.SeqNum,
		IsControlling:       cs.IsControlling,
		HardLimit:           l.front.HardLimit(),
		SlewIsLow:           l.slewT.IsLow(),
	}
}

// RequestExit sets the cooperative exit flag. The loop observes it
// before its next pre-roll sleep, per spec.md §5's termination model.
func (l *Loop) RequestExit() { l.exitRequested = true }

// Run executes the per-second protocol of spec.md §4.6 until ctx is
// canceled or RequestExit is observed. onReady, if non-nil, is called
// once after the first iteration completes without a fatal error —
// cmd/ppsd uses it to signal systemd readiness.
func (l *Loop) Run(ctx context.Context, onReady func()) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	raiseSchedPriority()

	sec, _, err := l.clk.NowMonotonic()
	if err != nil {
		return fmt.Errorf("discipline: initial NowMonotonic: %w", err)
	}
	l.lastMonoSec = sec

	first := true
	for {
		if l.exitRequested || ctx.Err() != nil {
			return nil
		}

		if err := l.preRollSleep(ctx); err != nil {
			return err
		}
		if l.exitRequested || ctx.Err() != nil {
			return nil
		}

		ppsSec, ppsUsec, err := l.dev.Fetch(l.cfg.PPSTimeout)
		if err != nil {
			if handled := l.handleMissedPPS(); handled != nil {
				return handled
			}
			continue
		}
		l.lostStreak = 0

		l.detectMonotonicGap()

		rawError := signed(ppsUsec-l.cfg.PPSDelay) % microsPerSec
		sample := l.processSecond(rawError)
		if l.startingFromRestore {
			if err := l.recon.Resync(); err != nil {
				log.WithError(err).Warn("failed to resync reconciler during post-restore grace window")
			}
		}
		if _, err := l.recon.DetectAndReconcile(l.ctrl.IsControlling(), l.slewT.AvgSlew(), l.ctrl.SeqNum(), l.front.HardLimit(), l.front.ClockChanged(), ppsUsec); err != nil {
			log.WithError(err).Warn("external time reconciliation failed, continuing")
		}
		if l.front.ClockChanged() {
			l.front.AcknowledgeClockChanged()
		}
		l.applyConsensus()
		l.checkRestart()
		l.publish(sample, ppsSec)

		if first {
			first = false
			if onReady != nil {
				onReady()
			}
		}
	}
}

// processSecond runs the front end and controller for one second and
// returns the status sample reflecting the post-tick state.
func (l *Loop) processSecond(rawError int64) StatusSample {
	avgSlew := l.slewT.Update(rawError)
	l.ctrl.AcquireIfReady(l.slewT.IsLow())

	activeCountBefore := l.ctrl.ActiveCount()
	zeroError, spike := l.front.Update(rawError, avgSlew, l.ctrl.IsControlling(), activeCountBefore, l.ctrl.AvgCorrection())

	if err := l.ctrl.Tick(zeroError, spike); err != nil {
		log.WithError(err).Warn("clock-control syscall failed, continuing")
	}

	return StatusSample{
		JitterUs:        l.front.NoiseLevel(),
		FreqOffsetPPM:   l.ctrl.FreqOffset(),
		AvgCorrectionUs: l.ctrl.AvgCorrection(),
		HardLimit:       l.front.HardLimit(),
		ClampAbsolute:   l.front.ClampMode() == noise.ClampAbsolute,
		NoiseStdDevUs:   l.front.NoiseStdDevUs(),
	}
}

func (l *Loop) applyConsensus() {
	if l.consensus == nil {
		return
	}
	delta, ok := l.consensus.Take()
	if !ok {
		return
	}
	if err := l.recon.ApplyWholeSecondConsensus(delta, true); err != nil {
		log.WithError(err).Warn("failed to apply whole-second consensus")
	}
}

// checkRestart implements spec.md §4.6 step 6 and §4.8's grace-window
// rule: three conditions force a full reinitialize.
func (l *Loop) checkRestart() {
	avgSlew := l.slewT.AvgSlew()
	controlling := l.ctrl.IsControlling()

	lostLock := controlling && l.front.HardLimit() > restartHardLimitUs && abs64(avgSlew) > restartAvgSlewUs
	notConvergedYet := !controlling && l.ctrl.SeqNum() >= 60 && !l.slewT.IsLow()

	warmRestartDivergence := false
	if l.startingFromRestore {
		l.restoreGraceRemaining--
		if l.restoreGraceRemaining <= 0 {
			l.startingFromRestore = false
		}
		if controlling && abs64(avgSlew) > restartAvgSlewUs {
			warmRestartDivergence = true
		}
	}

	if lostLock || notConvergedYet || warmRestartDivergence {
		log.Warn("discipline loop restarting: control loop diverged or failed to converge")
		l.reinitialize()
	}
}

func (l *Loop) reinitialize() {
	l.front = noise.New()
	l.slewT = slew.New()
	l.ctrl = servo.New(l.clk)
	l.startingFromRestore = false
	if err := l.clk.AdjustFrequency(0); err != nil {
		log.WithError(err).Warn("failed to zero frequency offset on restart")
	}
}

func (l *Loop) publish(sample StatusSample, ppsSec int64) {
	sample.Timestamp = time.Unix(ppsSec, 0).UTC()

	if l.status != nil {
		l.status.Append(sample)
		if err := l.status.Flush(); err != nil {
			log.WithError(err).Warn("failed to flush status buffer")
		}
	}
	if l.sampleLog != nil {
		if err := l.sampleLog.Log(sample); err != nil {
			log.WithError(err).Warn("failed to log sample")
		}
	}
	if l.metrics != nil {
		l.metrics.Observe(sample)
	}
	if l.alerter != nil {
		l.alerter.Check(sample)
	}
}

func (l *Loop) handleMissedPPS() error {
	l.lostStreak++
	switch {
	case l.lostStreak == missedPPSWarnStreak:
		log.Warnf("PPS read missed %d consecutive times", l.lostStreak)
	case l.cfg.ExitLostPPS && l.lostStreak >= missedPPSFatalStreak:
		return fmt.Errorf("discipline: %d consecutive missed PPS reads, exiting", l.lostStreak)
	}
	return nil
}

func (l *Loop) detectMonotonicGap() {
	sec, _, err := l.clk.NowMonotonic()
	if err != nil {
		log.WithError(err).Warn("NowMonotonic failed, skipping missed-PPS detection this second")
		return
	}
	delta := sec - l.lastMonoSec
	l.lastMonoSec = sec
	l.recon.AdvanceTCount(delta)
	if delta > 1 {
		log.Warnf("monotonic gap of %d seconds since last PPS iteration", delta)
	}
}

// preRollSleep wakes roughly 500µs before the next second boundary,
// per spec.md §4.6 step 1. It reads CLOCK_REALTIME, not the monotonic
// clock: the servo disciplines CLOCK_REALTIME's sub-second phase
// directly via SetOffsetOneshot/AdjustFrequency, so sleeping against
// CLOCK_MONOTONIC would drift out of phase with the second boundary
// the PPS pulse and those corrections are referenced to.
func (l *Loop) preRollSleep(ctx context.Context) error {
	_, nsec, err := l.clk.NowRealtime()
	if err != nil {
		return fmt.Errorf("discipline: preroll NowRealtime: %w", err)
	}
	usec := nsec / 1000
	sleepUs := microsPerSec - usec + preRollOffsetUs
	if sleepUs <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(sleepUs) * time.Microsecond):
		return nil
	case <-ctx.Done():
		return nil
	}
}

// signed maps an unsigned fractional-second value onto the signed
// range used throughout the pipeline, per spec.md §8's sign mapping law.
func signed(x int64) int64 {
	if x <= 500000 {
		return x
	}
	return x - microsPerSec
}

// raiseSchedPriority elevates the calling thread's scheduling priority
// when permitted (root or CAP_SYS_NICE), per spec.md §5's scheduling
// requirement. Failure is logged, not fatal: the servo still converges,
// just with more jitter under contention.
func raiseSchedPriority() {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -20); err != nil {
		log.WithError(err).Debug("could not raise scheduling priority, continuing at default")
	}
}
