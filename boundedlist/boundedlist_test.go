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

package boundedlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMeanBelowGap(t *testing.T) {
	l := New(10)
	for _, v := range []int64{-100, -2, -1, 0, 1, 2, 90} {
		l.Insert(v)
	}
	require.InDelta(t, -16.666666, l.MeanBelowGap(80), 0.0001)
}

func TestMeanBelowGapEmpty(t *testing.T) {
	l := New(10)
	require.Equal(t, float64(0), l.MeanBelowGap(80))
}

func TestInsertDuplicateIncrementsMultiplicity(t *testing.T) {
	l := New(10)
	l.Insert(5)
	l.Insert(5)
	l.Insert(5)
	require.Equal(t, 3, l.Len())
	require.InDelta(t, 5, l.MeanBelowGap(80), 0.0001)
}

func TestInsertStopsAtCapacity(t *testing.T) {
	l := New(3)
	l.Insert(1)
	l.Insert(2)
	l.Insert(3)
	l.Insert(4) // dropped, list is full
	require.Equal(t, 3, l.Len())
	require.InDelta(t, 2, l.MeanBelowGap(1000), 0.0001)
}

func TestClear(t *testing.T) {
	l := New(5)
	l.Insert(1)
	l.Insert(2)
	l.Clear()
	require.Equal(t, 0, l.Len())
	require.Equal(t, float64(0), l.MeanBelowGap(80))
}

func TestAscendingOrderMaintained(t *testing.T) {
	l := New(10)
	for _, v := range []int64{5, -3, 8, 0, -10} {
		l.Insert(v)
	}
	require.Len(t, l.entries, 5)
	for i := 1; i < len(l.entries); i++ {
		require.Less(t, l.entries[i-1].value, l.entries[i].value)
	}
}
