// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for monitorctl. The configuration is set by flags to the command line. They
// can also propagate to a configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/mohae/deepcopy"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/monitor"
)

// Config holds configuration that is not part of the command line arguments
// of a single subcommand.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. Add any necessary validation into validate().
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// InflationPolicy decides how a contended light lock is inflated.
	InflationPolicy InflationPolicy `flag:"inflation-policy"`

	// SpinRetries is the number of retries of a contended light lock before
	// inflation.
	SpinRetries int `flag:"spin-retries"`

	// YieldAfter is the retry from which spinning yields the processor.
	YieldAfter int `flag:"yield-after"`

	// SuspendTimeout bounds the suspension of a light lock owner.
	SuspendTimeout time.Duration `flag:"suspend-timeout"`

	// InflationWait bounds the backoff of the wait inflation policy.
	InflationWait time.Duration `flag:"inflation-wait"`

	// MaxMonitors is the capacity of the monitor table. Zero means the
	// largest id the lock word can hold.
	MaxMonitors uint `flag:"max-monitors"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be one of: text, json, json-k8s, logrus", c.LogFormat)
	}
	if c.SpinRetries < 0 {
		return fmt.Errorf("spin-retries must be non-negative, got %d", c.SpinRetries)
	}
	if c.YieldAfter < 0 {
		return fmt.Errorf("yield-after must be non-negative, got %d", c.YieldAfter)
	}
	if c.SuspendTimeout < 0 {
		return fmt.Errorf("suspend-timeout must be non-negative, got %v", c.SuspendTimeout)
	}
	if c.InflationWait < 0 {
		return fmt.Errorf("inflation-wait must be non-negative, got %v", c.InflationWait)
	}
	if c.MaxMonitors > lockword.MaxMonitorID {
		return fmt.Errorf("max-monitors must be at most %d, got %d", lockword.MaxMonitorID, c.MaxMonitors)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.InflationPolicy: %v", c.InflationPolicy)
	log.Infof("Config.SpinRetries: %d, YieldAfter: %d", c.SpinRetries, c.YieldAfter)
	log.Infof("Config.SuspendTimeout: %v, InflationWait: %v", c.SuspendTimeout, c.InflationWait)
	log.Infof("Config.MaxMonitors: %d", c.MaxMonitors)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// MonitorOptions returns the lock protocol options described by c.
func (c *Config) MonitorOptions() monitor.Options {
	return monitor.Options{
		Policy:          monitor.InflationPolicy(c.InflationPolicy),
		MaxTryLockRetry: c.SpinRetries,
		YieldAfter:      c.YieldAfter,
		SuspendTimeout:  c.SuspendTimeout,
		InflationWait:   c.InflationWait,
		Capacity:        uint32(c.MaxMonitors),
	}
}

// InflationPolicy is the flag form of monitor.InflationPolicy.
type InflationPolicy monitor.InflationPolicy

func inflationPolicyPtr(p monitor.InflationPolicy) *InflationPolicy {
	ip := InflationPolicy(p)
	return &ip
}

// Set implements flag.Value. It is also used by TOML decoding.
func (p *InflationPolicy) Set(v string) error {
	policy, err := monitor.ParsePolicy(v)
	if err != nil {
		return err
	}
	*p = InflationPolicy(policy)
	return nil
}

// Get implements flag.Getter.
func (p *InflationPolicy) Get() any {
	return *p
}

// String implements flag.Value.
func (p InflationPolicy) String() string {
	return monitor.InflationPolicy(p).String()
}
