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

// Package sidechannel runs the two optional external time sources
// (NIST/NTP and serial GPS) as detached goroutines that never share
// state with the PPS loop beyond a single lock-free mailbox.
package sidechannel

import "sync/atomic"

// Consensus is one whole-second delta a side channel observed between
// its own time source and the system clock.
type Consensus struct {
	DeltaSeconds int64
}

// Handoff is the single-producer/single-consumer one-record mailbox
// spec.md §5 calls for: the worker goroutine stores its latest
// Consensus, the PPS loop takes it at most once. Neither side ever
// blocks; a slow consumer simply overwrites the previous unread value.
type Handoff struct {
	slot atomic.Pointer[Consensus]
}

// Put stores c, overwriting whatever the loop has not yet consumed.
// Called only by the worker goroutine that owns this Handoff.
func (h *Handoff) Put(c Consensus) {
	h.slot.Store(&c)
}

// Take returns the most recently stored Consensus and clears the
// slot, or ok=false if nothing new has arrived since the last Take.
// Called only by the PPS loop.
func (h *Handoff) Take() (deltaSeconds int64, ok bool) {
	p := h.slot.Swap(nil)
	if p == nil {
		return 0, false
	}
	return p.DeltaSeconds, true
}
