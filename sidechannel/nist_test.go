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
	"fmt"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/require"
)

type stubQuerier struct {
	resp *ntp.Response
	err  error
}

func (s stubQuerier) Query(string) (*ntp.Response, error) { return s.resp, s.err }

func TestPollOnceIgnoresQueryError(t *testing.T) {
	var h Handoff
	w := &NISTWorker{server: "pool.example", querier: stubQuerier{err: fmt.Errorf("unreachable")}, handoff: &h}
	w.pollOnce()
	_, ok := h.Take()
	require.False(t, ok)
}

func TestPollOnceReportsRoundedWholeSecondDelta(t *testing.T) {
	var h Handoff
	resp := &ntp.Response{
		ClockOffset: 2300 * time.Millisecond,
		Stratum:     1,
		RootDelay:   time.Millisecond,
	}
	w := &NISTWorker{server: "pool.example", querier: stubQuerier{resp: resp}, handoff: &h}
	w.pollOnce()
	delta, ok := h.Take()
	require.True(t, ok)
	require.Equal(t, int64(2), delta)
}
