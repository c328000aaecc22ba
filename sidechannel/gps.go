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
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const gpsBaudRate = 9600

// LineReader is the subset of a serial port GPSWorker needs, accepted
// as an interface so tests can stub it without opening a real device.
type LineReader interface {
	ReadLine() (string, error)
	Close() error
}

type serialLineReader struct {
	port   serial.Port
	reader *bufio.Reader
}

func openSerialLineReader(device string) (*serialLineReader, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: gpsBaudRate})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return &serialLineReader{port: port, reader: bufio.NewReader(port)}, nil
}

func (r *serialLineReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

func (r *serialLineReader) Close() error { return r.port.Close() }

// GPSWorker reads whole-second time strings off a serial GPS receiver
// and reports the delta against the local clock into a Handoff. The
// expected line format is a single decimal whole-second Unix
// timestamp, the simplest contract a receiver's NMEA-to-serial bridge
// can be configured to emit.
type GPSWorker struct {
	device  string
	handoff *Handoff
	nowFunc func() time.Time
}

// NewGPSWorker returns a worker that will open device once started.
func NewGPSWorker(device string, handoff *Handoff) *GPSWorker {
	return &GPSWorker{device: device, handoff: handoff, nowFunc: time.Now}
}

// Run opens the serial device and reads lines until ctx is canceled or
// the port returns an unrecoverable error. Intended to be launched as
// a detached goroutine, in place of NISTWorker.Run: cmd/ppsd starts at
// most one of the two.
func (w *GPSWorker) Run(ctx context.Context) error {
	r, err := openSerialLineReader(w.device)
	if err != nil {
		return err
	}
	defer r.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		r.Close()
		close(done)
	}()

	for {
		line, err := r.ReadLine()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("gps serial read: %w", err)
			}
		}
		w.handleLine(line)
	}
}

func (w *GPSWorker) handleLine(line string) {
	gpsSec, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		log.WithField("line", line).Warn("unparseable GPS time line, ignoring")
		return
	}
	localSec := w.nowFunc().Unix()
	w.handoff.Put(Consensus{DeltaSeconds: gpsSec - localSec})
}
