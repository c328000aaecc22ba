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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdaemon "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/timepulse/ppsd/clock"
	"github.com/timepulse/ppsd/discipline"
	"github.com/timepulse/ppsd/pps"
	"github.com/timepulse/ppsd/sidechannel"
)

func main() {
	var (
		cfg     = discipline.DefaultConfig()
		cfgPath string
		verbose bool
	)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "ppsd: PPS hardware clock discipline daemon\n\nFlags:\n")
		flag.PrintDefaults()
	}

	flag.StringVar(&cfgPath, "cfg", "", "Path to YAML config. When set, the flag values below are ignored: the config file is applied over the built-in defaults")
	flag.StringVar(&cfg.PPSDevice, "ppsdevice", cfg.PPSDevice, "Kernel PPS character device")
	flag.Int64Var(&cfg.PPSDelay, "ppsdelay", cfg.PPSDelay, "Known hardware+driver latency to subtract, microseconds")
	flag.IntVar(&cfg.PPSPhase, "ppsphase", cfg.PPSPhase, "0 for rising edge, 1 for falling edge")
	flag.BoolVar(&cfg.ExitLostPPS, "exit-lost-pps", cfg.ExitLostPPS, "Exit after a sustained run of missed PPS reads")
	flag.BoolVar(&cfg.NIST, "nist", cfg.NIST, "Reconcile against an NTP/NIST time server")
	flag.StringVar(&cfg.NISTServer, "nist-server", cfg.NISTServer, "NTP/NIST server address")
	flag.BoolVar(&cfg.Serial, "serial", cfg.Serial, "Reconcile against a serial GPS receiver")
	flag.StringVar(&cfg.SerialDevice, "serial-device", cfg.SerialDevice, "Serial GPS device path")
	flag.StringVar(&cfg.StatusPath, "status-path", cfg.StatusPath, "Shared-memory-backed status record path")
	flag.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "Per-second CSV sample log path")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	flag.StringVar(&cfg.AlertExpr, "alert-expr", cfg.AlertExpr, "Optional govaluate boolean expression over the status record")
	flag.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "Snapshot persistence path")
	flag.DurationVar(&cfg.PPSTimeout, "pps-timeout", cfg.PPSTimeout, "Timeout for a single PPS_FETCH ioctl")
	flag.BoolVar(&verbose, "verbose", false, "Verbose logging")

	flag.Parse()

	discipline.ConfigureLogging(verbose)

	if cfgPath != "" {
		log.Warningf("using config from %s, flag values are ignored", cfgPath)
		loaded, err := discipline.ReadConfig(cfgPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = *loaded
	}
	if err := cfg.EvalAndValidate(); err != nil {
		log.Fatal(err)
	}
	log.Debugf("config: %+v", cfg)

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg discipline.Config) error {
	edge := pps.EdgeRising
	if cfg.PPSPhase == 1 {
		edge = pps.EdgeFalling
	}
	dev, err := pps.Open(cfg.PPSDevice, edge)
	if err != nil {
		return fmt.Errorf("open PPS device: %w", err)
	}
	defer dev.Close()

	clk := clock.New(unix.CLOCK_REALTIME)

	loop, err := discipline.New(cfg, clk, dev)
	if err != nil {
		return fmt.Errorf("init discipline loop: %w", err)
	}

	if snap, ok, err := discipline.LoadSnapshot(cfg.StateFile); err != nil {
		log.WithError(err).Warn("failed to load snapshot, starting cold")
	} else if ok {
		if err := loop.Restore(*snap); err != nil {
			log.WithError(err).Warn("failed to apply snapshot, starting cold")
		} else {
			log.Info("restored servo state from snapshot")
		}
	}

	if cfg.StatusPath != "" {
		loop.SetStatusBuffer(discipline.NewStatusBuffer(cfg.StatusPath))
	}
	if cfg.LogPath != "" {
		rf, err := discipline.OpenRotatingFile(cfg.LogPath)
		if err != nil {
			return fmt.Errorf("open sample log: %w", err)
		}
		defer rf.Close()
		loop.SetSampleLogger(discipline.NewCSVSampleLogger(rf))
	} else {
		loop.SetSampleLogger(discipline.DummyLogger{})
	}

	var metrics *discipline.MetricsServer
	if cfg.MetricsAddr != "" {
		metrics = discipline.NewMetricsServer()
		loop.SetMetrics(metrics)
	}

	if cfg.AlertExpr != "" {
		alerter, err := discipline.NewAlerter(cfg.AlertExpr)
		if err != nil {
			return fmt.Errorf("init alerter: %w", err)
		}
		loop.SetAlerter(alerter)
	}

	var handoff *sidechannel.Handoff
	switch {
	case cfg.NIST:
		handoff = &sidechannel.Handoff{}
		loop.SetConsensusSource(handoff)
	case cfg.Serial:
		handoff = &sidechannel.Handoff{}
		loop.SetConsensusSource(handoff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	if metrics != nil {
		eg.Go(func() error { return metrics.Serve(cfg.MetricsAddr) })
		eg.Go(func() error { metrics.SampleHostStats(egCtx); return nil })
	}
	switch {
	case cfg.NIST:
		eg.Go(func() error {
			return sidechannel.NewNISTWorker(cfg.NISTServer, handoff).Run(egCtx)
		})
	case cfg.Serial:
		eg.Go(func() error {
			return sidechannel.NewGPSWorker(cfg.SerialDevice, handoff).Run(egCtx)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		loop.RequestExit()
	}()

	stopWatchdog := make(chan struct{})
	onReady := func() {
		if _, err := sdaemon.SdNotify(false, sdaemon.SdNotifyReady); err != nil {
			log.WithError(err).Debug("SdNotify ready failed, likely not running under systemd")
		}
		startWatchdog(stopWatchdog)
	}

	runErr := loop.Run(ctx, onReady)
	close(stopWatchdog)
	cancel()

	if err := discipline.SaveSnapshot(cfg.StateFile, loop.Snapshot()); err != nil {
		log.WithError(err).Warn("failed to save snapshot on exit")
	}

	if egErr := eg.Wait(); egErr != nil {
		log.WithError(egErr).Warn("a side-channel worker exited with an error")
	}

	return runErr
}

// startWatchdog pings the systemd watchdog once per interval from its
// own goroutine, never from the PPS loop, per spec.md §5's rule that
// nothing outside the loop itself may introduce an extra suspension
// point on the hot path.
func startWatchdog(stop <-chan struct{}) {
	usec, err := sdaemon.SdWatchdogEnabled(false)
	if err != nil || usec == 0 {
		return
	}
	interval := usec / 2
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := sdaemon.SdNotify(false, sdaemon.SdNotifyWatchdog); err != nil {
					log.WithError(err).Debug("watchdog SdNotify failed")
				}
			}
		}
	}()
}
