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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFractionalJumpConcreteExamples(t *testing.T) {
	sec, usec := FractionalJump(400000)
	require.Equal(t, int64(-1), sec)
	require.Equal(t, int64(600000), usec)

	sec, usec = FractionalJump(600000)
	require.Equal(t, int64(0), sec)
	require.Equal(t, int64(400000), usec)

	sec, usec = FractionalJump(1200000)
	require.Equal(t, int64(-1), sec)
	require.Equal(t, int64(800000), usec)
}

func TestFractionalJumpAlgebraicLaw(t *testing.T) {
	for c := int64(0); c < 2000000; c += 1009 {
		sec, usec := FractionalJump(c)
		require.GreaterOrEqual(t, usec, int64(0))
		require.Less(t, usec, int64(microsPerSec))
		got := ((sec*microsPerSec + usec) % microsPerSec)
		if got < 0 {
			got += microsPerSec
		}
		want := ((-c) % microsPerSec)
		if want < 0 {
			want += microsPerSec
		}
		require.Equal(t, want, got, "c=%d", c)
	}
}

func TestSignedMicrosSignMapping(t *testing.T) {
	require.Equal(t, int64(0), SignedMicros(0))
	require.Equal(t, int64(500000), SignedMicros(500000))
	require.Equal(t, int64(-499999), SignedMicros(500001))
	require.Equal(t, int64(-1), SignedMicros(999999))
}
