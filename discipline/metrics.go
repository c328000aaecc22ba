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
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"
)

const hostStatsSampleInterval = 5 * time.Second

// MetricsServer exposes a Prometheus registry over HTTP, secondary to
// and separate from the mandatory shared-memory status record of
// spec.md §4.9. Published gauges mirror the status record plus
// process-level host stats, useful context for correlating servo
// misbehavior with host load.
type MetricsServer struct {
	registry *prometheus.Registry

	jitter        prometheus.Gauge
	freqOffset    prometheus.Gauge
	hardLimit     prometheus.Gauge
	avgCorrection prometheus.Gauge
	clampAbsolute prometheus.Gauge
	loadAvg1      prometheus.Gauge
	residentBytes prometheus.Gauge

	proc *process.Process

	hostMu    sync.Mutex
	load1     float64
	residentB uint64
}

// NewMetricsServer builds the registry and registers all gauges.
func NewMetricsServer() *MetricsServer {
	reg := prometheus.NewRegistry()
	m := &MetricsServer{
		registry:      reg,
		jitter:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppsd_jitter_us", Help: "exponentially averaged noise level, microseconds"}),
		freqOffset:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppsd_freq_offset_ppm", Help: "cumulative frequency offset, ppm"}),
		hardLimit:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppsd_hard_limit", Help: "adaptive clamp half-width, microseconds"}),
		avgCorrection: prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppsd_avg_correction_us", Help: "60-second moving average of time correction, microseconds"}),
		clampAbsolute: prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppsd_clamp_absolute", Help: "1 if clamp mode is absolute, 0 if relative"}),
		loadAvg1:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppsd_host_load1", Help: "1-minute host load average"}),
		residentBytes: prometheus.NewGauge(prometheus.GaugeOpts{Name: "ppsd_process_rss_bytes", Help: "process resident set size"}),
	}
	reg.MustRegister(m.jitter, m.freqOffset, m.hardLimit, m.avgCorrection, m.clampAbsolute, m.loadAvg1, m.residentBytes)
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	}
	return m
}

// Observe publishes one status sample. It is called from the PPS loop's
// hot path each second, so it only sets already-known gauge values and
// reads the host-stats cache under a mutex — no syscalls or file I/O,
// per spec.md §5's suspension-point rule. Host stats themselves are
// refreshed by SampleHostStats on its own ticker, never from here.
func (m *MetricsServer) Observe(s StatusSample) {
	m.jitter.Set(s.JitterUs)
	m.freqOffset.Set(s.FreqOffsetPPM)
	m.hardLimit.Set(float64(s.HardLimit))
	m.avgCorrection.Set(s.AvgCorrectionUs)
	if s.ClampAbsolute {
		m.clampAbsolute.Set(1)
	} else {
		m.clampAbsolute.Set(0)
	}

	m.hostMu.Lock()
	load1, residentB := m.load1, m.residentB
	m.hostMu.Unlock()
	m.loadAvg1.Set(load1)
	m.residentBytes.Set(float64(residentB))
}

// SampleHostStats refreshes the host-load/resident-memory cache Observe
// reads, on its own ticker, off the PPS loop's thread entirely. Callers
// run this in a goroutine alongside Serve.
func (m *MetricsServer) SampleHostStats(ctx context.Context) {
	ticker := time.NewTicker(hostStatsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshHostStats()
		}
	}
}

func (m *MetricsServer) refreshHostStats() {
	var load1 float64
	if avg, err := load.Avg(); err == nil {
		load1 = avg.Load1
	}
	var residentB uint64
	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil {
			residentB = mem.RSS
		}
	}
	m.hostMu.Lock()
	m.load1, m.residentB = load1, residentB
	m.hostMu.Unlock()
}

// Serve starts the HTTP handler; it blocks, so callers run it in a
// goroutine detached from the PPS loop.
func (m *MetricsServer) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Infof("metrics server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
