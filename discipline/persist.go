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
	"encoding/gob"
	"fmt"
	"os"

	version "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

// SnapshotFormatVersion is the version string written into every
// persisted snapshot. CompatMinVersion is the oldest snapshot format
// this binary can still restore; bump it only when a field is removed
// or reinterpreted, not on every additive change.
const (
	SnapshotFormatVersion = "1.0.0"
	CompatMinVersion      = "1.0.0"
)

// Snapshot is the durable blob spec.md §4.8 requires on exit: the
// integrators, correction ring, frequency offset, and the handful of
// counters needed to resume without relearning lock from scratch.
type Snapshot struct {
	FormatVersion string

	Integral      [10]float64
	AvgIntegral   float64
	IntegralCount int

	CorrectionFifo      [60]int64
	CorrectionFifoCount int
	CorrectionAccum     int64
	CorrectionFifoIdx   int

	FreqOffset  float64
	ActiveCount int
	SeqNum      int64

	IsControlling bool
	HardLimit     int64
	SlewIsLow     bool
}

// SaveSnapshot writes s to path atomically: a temp file is written and
// gob-encoded, then renamed over the destination, so a crash mid-write
// never leaves a corrupt snapshot in place. Rewritten only on clean exit,
// per spec.md §4.8.
func SaveSnapshot(path string, s Snapshot) error {
	s.FormatVersion = SnapshotFormatVersion
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot reads and decodes path, discarding (cold start, logged
// at Warn) rather than partially applying a snapshot whose
// FormatVersion is older than CompatMinVersion. A missing file is not
// an error: it simply means there is nothing to restore.
func LoadSnapshot(path string) (*Snapshot, bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	var s Snapshot
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}

	compatible, err := snapshotCompatible(s.FormatVersion)
	if err != nil {
		log.WithError(err).Warn("snapshot format version unparsable, discarding")
		return nil, false, nil
	}
	if !compatible {
		log.Warnf("snapshot format %s is older than minimum compatible %s, discarding", s.FormatVersion, CompatMinVersion)
		return nil, false, nil
	}
	return &s, true, nil
}

func snapshotCompatible(formatVersion string) (bool, error) {
	got, err := version.NewVersion(formatVersion)
	if err != nil {
		return false, err
	}
	min, err := version.NewVersion(CompatMinVersion)
	if err != nil {
		return false, err
	}
	return got.GreaterThanOrEqual(min), nil
}
