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
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// StatusSample is the fixed-schema per-second status record spec.md
// §4.9 requires: timestamp, jitter, frequency offset, average
// correction, hard limit, clamp mode.
type StatusSample struct {
	Timestamp       time.Time
	JitterUs        float64
	FreqOffsetPPM   float64
	AvgCorrectionUs float64
	HardLimit       int64
	ClampAbsolute   bool

	// NoiseStdDevUs is a supplementary statistic (§4.14); it rides
	// along in the published record but is not part of the
	// spec-mandated fixed schema above.
	NoiseStdDevUs float64
}

var statusHeader = []string{
	"timestamp", "jitter_us", "freq_offset_ppm", "avg_correction_us",
	"hard_limit", "clamp_absolute", "noise_stddev_us",
}

// csvRecord renders one StatusSample as a CSV row, synced with statusHeader.
func (s *StatusSample) csvRecord() []string {
	return []string{
		s.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(s.JitterUs, 'f', -1, 64),
		strconv.FormatFloat(s.FreqOffsetPPM, 'f', -1, 64),
		strconv.FormatFloat(s.AvgCorrectionUs, 'f', -1, 64),
		strconv.FormatInt(s.HardLimit, 10),
		strconv.FormatBool(s.ClampAbsolute),
		strconv.FormatFloat(s.NoiseStdDevUs, 'f', -1, 64),
	}
}

// StatusBuffer is the single-producer in-memory accumulation of
// StatusSample records spec.md §4.9 calls for: the loop appends one
// per second, then flushes the buffer to the well-known shared-memory
// path and clears it. It is not safe for concurrent use; the loop is
// the sole producer and flusher.
type StatusBuffer struct {
	path    string
	samples []StatusSample
}

// NewStatusBuffer returns a buffer that flushes to path, a file meant
// to live on a tmpfs-backed mount (e.g. /dev/shm) standing in for the
// "shared-memory path" contract of spec.md §4.9.
func NewStatusBuffer(path string) *StatusBuffer {
	return &StatusBuffer{path: path}
}

// Append adds one second's sample to the buffer.
func (b *StatusBuffer) Append(s StatusSample) {
	b.samples = append(b.samples, s)
}

// Flush writes the buffered samples to the status path as CSV and
// clears the buffer. The write is atomic: a temp file is written then
// renamed over the destination, so a concurrent reader never observes
// a partial file.
func (b *StatusBuffer) Flush() error {
	if len(b.samples) == 0 {
		return nil
	}
	tmp := b.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("status flush: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(statusHeader); err != nil {
		f.Close()
		return err
	}
	for _, s := range b.samples {
		if err := w.Write(s.csvRecord()); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("status flush rename: %w", err)
	}
	b.samples = b.samples[:0]
	return nil
}

// Len reports how many unflushed samples are buffered.
func (b *StatusBuffer) Len() int { return len(b.samples) }
