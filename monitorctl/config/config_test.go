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

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/objsync/monitorctl/flag"
	"gvisor.dev/objsync/pkg/monitor"
)

func newTestFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}

	def := monitor.DefaultOptions()
	if diff := cmp.Diff(def, c.MonitorOptions()); diff != "" {
		t.Errorf("MonitorOptions mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags(t)
	for name, val := range map[string]string{
		"debug":            "true",
		"inflation-policy": "wait",
		"spin-retries":     "7",
		"suspend-timeout":  "3s",
		"max-monitors":     "64",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := InflationPolicy(monitor.PolicyWait); c.InflationPolicy != want {
		t.Errorf("InflationPolicy=%v, want: %v", c.InflationPolicy, want)
	}
	if want := 7; c.SpinRetries != want {
		t.Errorf("SpinRetries=%v, want: %v", c.SpinRetries, want)
	}
	if want := 3 * time.Second; c.SuspendTimeout != want {
		t.Errorf("SuspendTimeout=%v, want: %v", c.SuspendTimeout, want)
	}
	if want := uint(64); c.MaxMonitors != want {
		t.Errorf("MaxMonitors=%v, want: %v", c.MaxMonitors, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newTestFlags(t)
	orig, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	orig.Debug = true
	orig.LogFormat = "json"
	other := monitor.PolicyWait
	if monitor.DefaultOptions().Policy == monitor.PolicyWait {
		other = monitor.PolicySuspend
	}
	orig.InflationPolicy = InflationPolicy(other)
	orig.SpinRetries = 3
	orig.InflationWait = time.Second

	flags := orig.ToFlags()
	want := []string{
		"--log-format=json",
		"--debug=true",
		"--inflation-policy=" + other.String(),
		"--spin-retries=3",
		"--inflation-wait=1s",
	}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	testFlags = newTestFlags(t)
	for _, f := range flags {
		name, val, _ := strings.Cut(strings.TrimPrefix(f, "--"), "=")
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}
	got, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(orig, got) {
		t.Errorf("Config from flags doesn't match original config:\n%+v\n%+v", orig, got)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "spin-retries",
			flags: map[string]string{"spin-retries": "-1"},
			error: "spin-retries must be non-negative",
		},
		{
			name:  "max-monitors",
			flags: map[string]string{"max-monitors": "1000000000"},
			error: "max-monitors must be at most",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags(t)
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error: %v", err)
			}
		})
	}
}

func TestInvalidPolicyFlag(t *testing.T) {
	testFlags := newTestFlags(t)
	if err := testFlags.Lookup("inflation-policy").Value.Set("spin"); err == nil {
		t.Errorf("setting an unknown policy succeeded")
	}
}

func TestOverride(t *testing.T) {
	testFlags := newTestFlags(t)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Override(testFlags, "yield-after", "9"); err != nil {
		t.Fatalf("Override(yield-after, 9): %v", err)
	}
	if c.YieldAfter != 9 {
		t.Errorf("YieldAfter=%d, want: 9", c.YieldAfter)
	}
	if err := c.Override(testFlags, "inflation-wait", "bogus"); err == nil {
		t.Errorf("Override with an invalid duration succeeded")
	}
	if err := c.Override(testFlags, "no-such-flag", "1"); err == nil {
		t.Errorf("Override of an unknown flag succeeded")
	}
	if err := c.Override(testFlags, "log-format", "yaml"); err == nil {
		t.Errorf("Override left an invalid config")
	}
}

func TestClone(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.InflationPolicy = InflationPolicy(monitor.PolicyWait)
	clone.SpinRetries++
	if c.SpinRetries == clone.SpinRetries {
		t.Errorf("Clone shares state with the original")
	}
}

func TestLoad(t *testing.T) {
	testFlags := newTestFlags(t)
	// Command line flags take precedence over the file.
	if err := testFlags.Parse([]string{"--spin-retries=11"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	file := `
inflation-policy = "wait"
spin-retries = 200
yield-after = 20
suspend-timeout = "250ms"
debug = true
`
	if err := c.Load(testFlags, strings.NewReader(file)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := *c
	want.InflationPolicy = InflationPolicy(monitor.PolicyWait)
	want.SpinRetries = 11
	want.YieldAfter = 20
	want.SuspendTimeout = 250 * time.Millisecond
	want.Debug = true
	if diff := cmp.Diff(&want, c); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		file string
	}{
		{name: "syntax", file: `spin-retries = `},
		{name: "unknown", file: `spin-limit = 3`},
		{name: "table", file: "[policy]\nname = \"wait\""},
		{name: "array", file: `spin-retries = [1, 2]`},
		{name: "invalid", file: `inflation-policy = "spin"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags(t)
			c, err := NewFromFlags(testFlags)
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Load(testFlags, strings.NewReader(tc.file)); err == nil {
				t.Errorf("Load(%q) succeeded", tc.file)
			} else {
				t.Logf("Load(%q): %v", tc.file, err)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	testFlags := newTestFlags(t)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	file := `
inflation-policy: wait
inflation-wait: 2ms
max-monitors: 1024
log-format: json
`
	if err := c.LoadYAML(testFlags, strings.NewReader(file)); err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	want := *c
	want.InflationPolicy = InflationPolicy(monitor.PolicyWait)
	want.InflationWait = 2 * time.Millisecond
	want.MaxMonitors = 1024
	want.LogFormat = "json"
	if diff := cmp.Diff(&want, c); diff != "" {
		t.Errorf("LoadYAML mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{
		"- spin-retries",
		"spin-retries: [1, 2]",
		"spin-limit: 3",
	} {
		if err := c.LoadYAML(testFlags, strings.NewReader(bad)); err == nil {
			t.Errorf("LoadYAML(%q) succeeded", bad)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	for name, contents := range map[string]string{
		"monitorctl.toml": "spin-retries = 5\n",
		"monitorctl.yaml": "spin-retries: 5\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
				t.Fatal(err)
			}
			testFlags := newTestFlags(t)
			c, err := NewFromFlags(testFlags)
			if err != nil {
				t.Fatal(err)
			}
			if err := c.LoadFile(testFlags, path); err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if c.SpinRetries != 5 {
				t.Errorf("SpinRetries=%d, want: 5", c.SpinRetries)
			}
		})
	}
	c := &Config{}
	if err := c.LoadFile(newTestFlags(t), filepath.Join(dir, "missing.toml")); err == nil {
		t.Errorf("LoadFile of a missing file succeeded")
	}
}
