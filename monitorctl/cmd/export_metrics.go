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

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/objsync/monitorctl/config"
	"gvisor.dev/objsync/monitorctl/flag"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/metric"
	"gvisor.dev/objsync/pkg/prometheus"
)

// ExportMetrics implements subcommands.Command for the "export-metrics"
// command.
type ExportMetrics struct {
	exporterPrefix string
	labels         string
	warmup         bool
	verify         bool
}

// Name implements subcommands.Command.Name.
func (*ExportMetrics) Name() string {
	return "export-metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ExportMetrics) Synopsis() string {
	return "export lock metric data in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*ExportMetrics) Usage() string {
	return `export-metrics [-exporter-prefix=<prefix_>] - runs a short locking workload and prints the lock metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *ExportMetrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "", "Prefix for all metric names, following Prometheus exporter convention")
	f.StringVar(&m.labels, "labels", "", "comma-separated key=value labels added to every data point.")
	f.BoolVar(&m.warmup, "warmup", true, "run a short contended workload before exporting.")
	f.BoolVar(&m.verify, "verify", false, "parse the exported data before printing it.")
}

// Execute implements subcommands.Command.Execute.
func (m *ExportMetrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	extraLabels, err := parseLabels(m.labels)
	if err != nil {
		return Errorf("%v", err)
	}

	if m.warmup {
		p := stressParams{
			threads:         4,
			objects:         2,
			iterations:      500,
			waitEvery:       50,
			hashEvery:       100,
			deflateInterval: time.Millisecond,
		}
		if _, err := runStress(ctx, conf.MonitorOptions(), p); err != nil {
			Fatalf("warmup workload failed: %v", err)
		}
	}

	var buf bytes.Buffer
	written, err := prometheus.Write(&buf, prometheus.ExportOptions{
		CommentHeader: fmt.Sprintf("Command-line export, inflation policy %v", conf.InflationPolicy),
		Prefix:        m.exporterPrefix,
		ExtraLabels:   extraLabels,
	}, metric.Snapshot())
	if err != nil {
		Fatalf("Cannot write metrics: %v", err)
	}
	if m.verify {
		families, err := prometheus.ExportedData(buf.Bytes()).Families()
		if err != nil {
			Fatalf("Exported data does not parse: %v", err)
		}
		log.Infof("Verified %d metric families", len(families))
	}
	if _, err := buf.WriteTo(os.Stdout); err != nil {
		Fatalf("Cannot write metrics to stdout: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data to stdout", written)

	return subcommands.ExitSuccess
}

// parseLabels parses "k1=v1,k2=v2".
func parseLabels(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	labels := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, want key=value", kv)
		}
		if _, dup := labels[k]; dup {
			return nil, fmt.Errorf("duplicate label %q", k)
		}
		labels[k] = v
	}
	return labels, nil
}
