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

package servo

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	mock.Mock
}

func (m *mockClock) SetOffsetOneshot(usec int64) error {
	args := m.Called(usec)
	return args.Error(0)
}

func (m *mockClock) AdjustFrequency(freqOffsetPPM float64) error {
	args := m.Called(freqOffsetPPM)
	return args.Error(0)
}

// acquire drives c through the 60 seconds AcquireIfReady needs to
// promote it to type-2 control, with slew reported low throughout.
func acquire(t *testing.T, c *Controller) {
	t.Helper()
	for i := 0; i < acquireSeqThreshold; i++ {
		require.NoError(t, c.Tick(10, false))
		c.AcquireIfReady(true)
	}
	require.True(t, c.IsControlling())
}

func TestGainPromotionOnlyAfterControlling(t *testing.T) {
	clk := &mockClock{}
	clk.On("SetOffsetOneshot", mock.Anything).Return(nil)
	clk.On("AdjustFrequency", mock.Anything).Return(nil)

	c := New(clk)
	require.Equal(t, int64(4), c.InvProportionalGain())

	for i := 0; i < 59; i++ {
		require.NoError(t, c.Tick(10, false))
	}
	c.AcquireIfReady(true)
	require.Equal(t, int64(4), c.InvProportionalGain(), "seqNum is only 59, must not promote yet")

	require.NoError(t, c.Tick(10, false))
	c.AcquireIfReady(true)
	require.Equal(t, int64(1), c.InvProportionalGain())
	require.True(t, c.IsControlling())
}

func TestGainPromotionRequiresSlewLow(t *testing.T) {
	clk := &mockClock{}
	clk.On("SetOffsetOneshot", mock.Anything).Return(nil)
	clk.On("AdjustFrequency", mock.Anything).Return(nil)

	c := New(clk)
	for i := 0; i < 100; i++ {
		require.NoError(t, c.Tick(10, false))
		c.AcquireIfReady(false)
	}
	require.Equal(t, int64(4), c.InvProportionalGain())
}

func TestMovingAverageExactAfterSixtyPushes(t *testing.T) {
	clk := &mockClock{}
	clk.On("SetOffsetOneshot", mock.Anything).Return(nil)
	clk.On("AdjustFrequency", mock.Anything).Return(nil)

	c := New(clk)
	acquire(t, c)

	var sum int64
	for i := int64(0); i < 60; i++ {
		zeroError := i
		timeCorrection := -zeroError / c.invProportionalGain
		sum += timeCorrection
		require.NoError(t, c.Tick(zeroError, false))
	}
	require.InDelta(t, float64(sum)/60.0, c.AvgCorrection(), 1e-9)
}

func TestSpikeSecondSkipsCorrectionButAdvancesSeqNum(t *testing.T) {
	clk := &mockClock{}

	c := New(clk)
	require.NoError(t, c.Tick(500, true))
	require.Equal(t, int64(1), c.SeqNum())
	require.Equal(t, 0, c.ActiveCount())
	require.Equal(t, float64(0), c.AvgCorrection())
	clk.AssertNotCalled(t, "SetOffsetOneshot", mock.Anything)
}

func TestActiveCountNeverExceedsSeqNum(t *testing.T) {
	clk := &mockClock{}
	clk.On("SetOffsetOneshot", mock.Anything).Return(nil)
	clk.On("AdjustFrequency", mock.Anything).Return(nil)

	c := New(clk)
	for i := 0; i < 120; i++ {
		spike := i%3 == 0
		require.NoError(t, c.Tick(10, spike))
		c.AcquireIfReady(true)
		require.LessOrEqual(t, c.ActiveCount(), int(c.SeqNum()))
	}
	require.True(t, c.IsControlling())
	require.Less(t, c.ActiveCount(), int(c.SeqNum()), "spike seconds must never add to activeCount")
}

func TestActiveCountDoesNotAdvanceBeforeControlling(t *testing.T) {
	clk := &mockClock{}
	clk.On("SetOffsetOneshot", mock.Anything).Return(nil)

	c := New(clk)
	for i := 0; i < acquireSeqThreshold-1; i++ {
		require.NoError(t, c.Tick(10, false))
	}
	require.Equal(t, 0, c.ActiveCount(), "activeCount must not advance before the controller is controlling")
	require.Equal(t, float64(0), c.AvgCorrection())
	clk.AssertNotCalled(t, "AdjustFrequency", mock.Anything)
}

func TestFrequencyCorrectionIssuedOnceAtMinuteRollOnlyAfterLock(t *testing.T) {
	clk := &mockClock{}
	clk.On("SetOffsetOneshot", mock.Anything).Return(nil)

	c := New(clk)
	acquire(t, c)

	clk.On("AdjustFrequency", mock.Anything).Return(nil).Once()
	for i := 0; i < 60; i++ {
		require.NoError(t, c.Tick(10, false))
	}
	clk.AssertExpectations(t)
}
