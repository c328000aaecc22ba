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

package sidechannel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTakeEmptyReturnsNotOK(t *testing.T) {
	var h Handoff
	_, ok := h.Take()
	require.False(t, ok)
}

func TestTakeReturnsWhatWasPut(t *testing.T) {
	var h Handoff
	h.Put(Consensus{DeltaSeconds: 3})
	delta, ok := h.Take()
	require.True(t, ok)
	require.Equal(t, int64(3), delta)
}

func TestTakeConsumesExactlyOnce(t *testing.T) {
	var h Handoff
	h.Put(Consensus{DeltaSeconds: 3})
	_, _ = h.Take()
	_, ok := h.Take()
	require.False(t, ok, "a second Take without an intervening Put must see nothing new")
}

func TestPutOverwritesUnreadValue(t *testing.T) {
	var h Handoff
	h.Put(Consensus{DeltaSeconds: 1})
	h.Put(Consensus{DeltaSeconds: 2})
	delta, ok := h.Take()
	require.True(t, ok)
	require.Equal(t, int64(2), delta, "a slow consumer only ever sees the latest value")
}
