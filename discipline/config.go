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
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is everything the discipline loop and its side channels need,
// unmarshalled from a single YAML file.
type Config struct {
	PPSDevice   string `yaml:"ppsdevice"`
	PPSDelay    int64  `yaml:"ppsdelay"`  // zeroOffset, microseconds of hardware+driver latency
	PPSPhase    int    `yaml:"ppsphase"`  // 0 rising, 1 falling
	ExitLostPPS bool   `yaml:"exit-lost-pps"`

	NIST       bool   `yaml:"nist"`
	NISTServer string `yaml:"nist_server"`

	Serial       bool   `yaml:"serial"`
	SerialDevice string `yaml:"serial_device"`

	StatusPath  string `yaml:"status_path"`
	LogPath     string `yaml:"log_path"`
	MetricsAddr string `yaml:"metrics_addr"`
	AlertExpr   string `yaml:"alert_expr"`
	StateFile   string `yaml:"state_file"`

	PPSTimeout time.Duration `yaml:"pps_timeout"`
}

// DefaultConfig mirrors the platform-typical values spec.md §6 and §9
// call out explicitly as calibrated, documented defaults rather than
// hard-coded constants.
func DefaultConfig() Config {
	return Config{
		PPSDevice:   "/dev/pps0",
		PPSDelay:    7,
		PPSPhase:    0,
		ExitLostPPS: true,
		StatusPath:  "/dev/shm/ppsd.status",
		LogPath:     "/var/log/ppsd/samples.csv",
		MetricsAddr: ":9110",
		StateFile:   "/var/lib/ppsd/state.gob",
		PPSTimeout:  3 * time.Second,
	}
}

// EvalAndValidate rejects a configuration that would fail at runtime
// (spec.md §7's "Configuration error" row: log and fail startup).
func (c *Config) EvalAndValidate() error {
	if c.PPSDevice == "" {
		return fmt.Errorf("bad config: 'ppsdevice' must be specified")
	}
	if c.PPSPhase != 0 && c.PPSPhase != 1 {
		return fmt.Errorf("bad config: 'ppsphase' must be 0 or 1, got %d", c.PPSPhase)
	}
	if c.NIST && c.Serial {
		return fmt.Errorf("bad config: 'nist' and 'serial' are mutually exclusive")
	}
	if c.PPSTimeout <= 0 {
		return fmt.Errorf("bad config: 'pps_timeout' must be > 0")
	}
	return nil
}

// ReadConfig reads path and unmarshals it over DefaultConfig, so that
// unset fields keep their documented defaults.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
