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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a LoopClock that never touches the kernel: it tracks a
// monotonically increasing virtual second counter and records every
// adjustment call it receives, so tests can assert on the sequence of
// syscalls the loop would have issued.
type fakeClock struct {
	sec            int64
	realNsec       int64
	monoNsec       int64
	oneshotCalls   []int64
	freqCalls      []float64
	wholeFracCalls [][2]int64
}

func (c *fakeClock) SetOffsetOneshot(usec int64) error {
	c.oneshotCalls = append(c.oneshotCalls, usec)
	return nil
}

func (c *fakeClock) AdjustFrequency(ppm float64) error {
	c.freqCalls = append(c.freqCalls, ppm)
	return nil
}

func (c *fakeClock) SetOffsetWholeAndFractional(secs, micros int64) error {
	c.wholeFracCalls = append(c.wholeFracCalls, [2]int64{secs, micros})
	return nil
}

func (c *fakeClock) NowRealtime() (int64, int64, error) { return c.sec, c.realNsec, nil }

func (c *fakeClock) NowMonotonic() (int64, int64, error) { return c.sec, c.monoNsec, nil }

// fakePPS hands out a fixed or scripted sequence of fractional-second
// readings, one per Fetch call, advancing the shared fakeClock's second
// counter so NowMonotonic/NowRealtime stay in lockstep with the PPS
// stream the way the real device and system clock would.
type fakePPS struct {
	clk     *fakeClock
	usecs   []int64
	idx     int
	failAt  map[int]bool
}

func (p *fakePPS) Fetch(time.Duration) (int64, int64, error) {
	if p.failAt[p.idx] {
		p.idx++
		p.clk.sec++
		return 0, 0, fmt.Errorf("simulated PPS read failure")
	}
	var u int64
	if p.idx < len(p.usecs) {
		u = p.usecs[p.idx]
	}
	p.idx++
	p.clk.sec++
	return p.clk.sec, u, nil
}

func newTestLoop(t *testing.T, clk *fakeClock, dev PPSReader) *Loop {
	cfg := DefaultConfig()
	cfg.PPSDelay = 0
	cfg.PPSTimeout = time.Millisecond
	l, err := New(cfg, clk, dev)
	require.NoError(t, err)
	return l
}

func TestPreRollSleepReadsRealtimeNotMonotonic(t *testing.T) {
	clk := &fakeClock{sec: 1000, realNsec: 999900000, monoNsec: 0}
	dev := &fakePPS{clk: clk, failAt: map[int]bool{}}
	l := newTestLoop(t, clk, dev)

	// realNsec puts the sleep deadline in the past (sleepUs <= 0), so a
	// correct preRollSleep returns immediately. monoNsec is 0, which
	// would compute a near-full-second sleep if preRollSleep read the
	// monotonic clock instead.
	done := make(chan error, 1)
	go func() { done <- l.preRollSleep(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("preRollSleep blocked for nearly a full second: it must read NowRealtime, not NowMonotonic")
	}
}

func TestRunStopsOnRequestExit(t *testing.T) {
	clk := &fakeClock{sec: 1000}
	dev := &fakePPS{clk: clk, failAt: map[int]bool{}}
	l := newTestLoop(t, clk, dev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, nil) }()

	// let the loop enter its first (~1s) pre-roll sleep, then ask it to stop.
	time.Sleep(20 * time.Millisecond)
	l.RequestExit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not observe RequestExit")
	}
}

func TestRunInvokesOnReadyAfterFirstIteration(t *testing.T) {
	clk := &fakeClock{sec: 1000}
	dev := &fakePPS{clk: clk, failAt: map[int]bool{}}
	l := newTestLoop(t, clk, dev)

	readyCh := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = l.Run(ctx, func() { readyCh <- struct{}{} })
	}()

	select {
	case <-readyCh:
	case <-time.After(3 * time.Second):
		t.Fatal("onReady was never called")
	}
	l.RequestExit()
}

func TestHandleMissedPPSFatalAfterSustainedStreak(t *testing.T) {
	clk := &fakeClock{sec: 1000}
	dev := &fakePPS{clk: clk, failAt: map[int]bool{}}
	l := newTestLoop(t, clk, dev)
	l.cfg.ExitLostPPS = true

	for i := 0; i < missedPPSFatalStreak-1; i++ {
		require.NoError(t, l.handleMissedPPS())
	}
	require.Error(t, l.handleMissedPPS(), "sustained missed PPS reads must eventually be fatal")
}

func TestHandleMissedPPSNotFatalWhenExitLostPPSDisabled(t *testing.T) {
	clk := &fakeClock{sec: 1000}
	dev := &fakePPS{clk: clk, failAt: map[int]bool{}}
	l := newTestLoop(t, clk, dev)
	l.cfg.ExitLostPPS = false

	for i := 0; i < missedPPSFatalStreak+10; i++ {
		require.NoError(t, l.handleMissedPPS())
	}
}

func TestSignedMapsFractionalSecondSignCorrectly(t *testing.T) {
	require.Equal(t, int64(400000), signed(400000))
	require.Equal(t, int64(-400000), signed(600000))
	require.Equal(t, int64(0), signed(0))
}

func TestSnapshotRoundTripsThroughRestore(t *testing.T) {
	clk := &fakeClock{sec: 1000}
	dev := &fakePPS{clk: clk, failAt: map[int]bool{}}
	l := newTestLoop(t, clk, dev)

	for i := 0; i < 65; i++ {
		l.processSecond(5)
	}
	snap := l.Snapshot()
	require.Equal(t, int64(65), snap.SeqNum)

	l2 := newTestLoop(t, clk, dev)
	require.NoError(t, l2.Restore(snap))
	require.Equal(t, snap.SeqNum, l2.ctrl.SeqNum())
	require.Equal(t, snap.FreqOffset, l2.ctrl.FreqOffset())
}
