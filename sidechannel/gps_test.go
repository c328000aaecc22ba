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
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandleLineReportsDelta(t *testing.T) {
	var h Handoff
	fixedNow := time.Unix(1000, 0)
	w := &GPSWorker{handoff: &h, nowFunc: func() time.Time { return fixedNow }}

	w.handleLine("1005")
	delta, ok := h.Take()
	require.True(t, ok)
	require.Equal(t, int64(5), delta)
}

func TestHandleLineIgnoresGarbage(t *testing.T) {
	var h Handoff
	w := &GPSWorker{handoff: &h, nowFunc: time.Now}

	w.handleLine("not-a-timestamp")
	_, ok := h.Take()
	require.False(t, ok)
}
