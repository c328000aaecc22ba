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
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	logRotateMaxBytes = 100 * 1024
	logRotateBackups  = 1
)

// SampleLogger is something that can durably record a StatusSample.
// Mirrors the teacher's Logger/CSVLogger split so a DummyLogger can
// stand in during tests without touching the filesystem.
type SampleLogger interface {
	Log(s StatusSample) error
}

// CSVSampleLogger writes one CSV row per sample to a RotatingFile.
type CSVSampleLogger struct {
	mu            sync.Mutex
	w             *csv.Writer
	printedHeader bool
}

// NewCSVSampleLogger wraps w, typically a *RotatingFile, as a SampleLogger.
func NewCSVSampleLogger(w io.Writer) *CSVSampleLogger {
	return &CSVSampleLogger{w: csv.NewWriter(w)}
}

// Log implements SampleLogger.
func (l *CSVSampleLogger) Log(s StatusSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.printedHeader {
		if err := l.w.Write(statusHeader); err != nil {
			return err
		}
		l.printedHeader = true
	}
	if err := l.w.Write(s.csvRecord()); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// DummyLogger discards every sample; used when no log path is configured.
type DummyLogger struct{}

// Log implements SampleLogger.
func (DummyLogger) Log(StatusSample) error { return nil }

// RotatingFile is an os.File-backed writer that rotates itself once it
// crosses logRotateMaxBytes, keeping exactly logRotateBackups previous
// copies, per spec.md §7's "log file is rotated at 100 KB (keep one
// previous copy)". No third-party rotation library appears anywhere in
// the retrieved pack, so this is implemented directly against os/io
// rather than against a borrowed dependency.
type RotatingFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// OpenRotatingFile opens (or creates) path for appending.
func OpenRotatingFile(path string) (*RotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RotatingFile{path: path, f: f, size: info.Size()}, nil
}

// Write implements io.Writer, rotating before the write if it would
// push the file past the size limit.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size+int64(len(p)) > logRotateMaxBytes {
		if err := r.rotateLocked(); err != nil {
			log.WithError(err).Warn("log rotation failed, continuing to write to current file")
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	backup := fmt.Sprintf("%s.%d", r.path, logRotateBackups)
	_ = os.Remove(backup)
	if err := os.Rename(r.path, backup); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// ConfigureLogging sets up logrus for cmd/ppsd: JSON-free text output
// with caller reporting, level gated by verbose.
func ConfigureLogging(verbose bool) {
	log.SetReportCaller(true)
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
