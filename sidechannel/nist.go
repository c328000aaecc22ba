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
	"context"
	"math"
	"time"

	"github.com/beevik/ntp"
	log "github.com/sirupsen/logrus"
)

const nistPollInterval = 64 * time.Second

// NTPQuerier is the subset of the beevik/ntp package NISTWorker needs,
// accepted as an interface so tests can stub the network call.
type NTPQuerier interface {
	Query(host string) (*ntp.Response, error)
}

type defaultNTPQuerier struct{}

func (defaultNTPQuerier) Query(host string) (*ntp.Response, error) {
	return ntp.Query(host)
}

// NISTWorker polls a configured NTP/NIST time server on a fixed
// interval and reports the whole-second delta between its response and
// the local clock into a Handoff. It never calls back into the PPS
// loop directly.
type NISTWorker struct {
	server  string
	querier NTPQuerier
	handoff *Handoff
}

// NewNISTWorker returns a worker that will poll server once started.
func NewNISTWorker(server string, handoff *Handoff) *NISTWorker {
	return &NISTWorker{server: server, querier: defaultNTPQuerier{}, handoff: handoff}
}

// Run polls until ctx is canceled. Intended to be launched as a
// detached goroutine, coordinated at shutdown via errgroup the way
// cmd/ppsd's side-channel group does.
func (w *NISTWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(nistPollInterval)
	defer ticker.Stop()

	w.pollOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *NISTWorker) pollOnce() {
	resp, err := w.querier.Query(w.server)
	if err != nil {
		log.WithError(err).WithField("server", w.server).Warn("NIST poll failed")
		return
	}
	if err := resp.Validate(); err != nil {
		log.WithError(err).WithField("server", w.server).Warn("NIST response failed validation")
		return
	}
	delta := int64(math.Round(resp.ClockOffset.Seconds()))
	w.handoff.Put(Consensus{DeltaSeconds: delta})
}
