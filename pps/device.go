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

// Package pps wraps the kernel PPS character device (/dev/ppsN) and
// its PPS_FETCH ioctl, delivering one (sec, usec) timestamp of the
// configured edge per call.
package pps

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"
)

// Edge selects which latched timestamp pps_kinfo carries is returned.
type Edge int

const (
	// EdgeRising uses assert_tu, the kernel's default PPS capture edge.
	EdgeRising Edge = iota
	// EdgeFalling uses clear_tu.
	EdgeFalling
)

const ppsClkMagic = 'p'

// ktime mirrors struct pps_ktime from linux/pps.h.
type ktime struct {
	Sec   int64
	Nsec  int32
	Flags uint32
}

// kinfo mirrors struct pps_kinfo from linux/pps.h.
type kinfo struct {
	AssertSequence uint32
	ClearSequence  uint32
	AssertTu       ktime
	ClearTu        ktime
	CurrentMode    int32
}

// fdata mirrors struct pps_fdata from linux/pps.h, the argument to the
// PPS_FETCH ioctl.
type fdata struct {
	Info    kinfo
	Timeout ktime
}

// ioctlPPSFetch is _IOWR('p', 0xa4, sizeof(struct pps_fdata)).
var ioctlPPSFetch = ioctl.IOWR(ppsClkMagic, 0xa4, unsafe.Sizeof(fdata{}))

// Device is an open kernel PPS source.
type Device struct {
	f    *os.File
	edge Edge
}

// Open opens the PPS character device at path (e.g. "/dev/pps0").
func Open(path string, edge Edge) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{f: f, edge: edge}, nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.f.Close()
}

// Fetch blocks until the kernel has a fresh PPS capture or timeout
// elapses, then returns the (sec, usec) pair of the configured edge.
// usec is truncated, not rounded, from the kernel's nanosecond capture.
func (d *Device) Fetch(timeout time.Duration) (sec int64, usec int64, err error) {
	req := fdata{}
	req.Timeout.Sec = int64(timeout / time.Second)
	req.Timeout.Nsec = int32(timeout % time.Second)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uintptr(ioctlPPSFetch), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return 0, 0, fmt.Errorf("PPS_FETCH: %w", errno)
	}

	tu := pickEdge(req.Info, d.edge)
	return tu.Sec, int64(tu.Nsec) / 1000, nil
}

func pickEdge(info kinfo, edge Edge) ktime {
	if edge == EdgeFalling {
		return info.ClearTu
	}
	return info.AssertTu
}
