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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/metric"
	"gvisor.dev/objsync/pkg/monitor"
	"gvisor.dev/objsync/pkg/prometheus"
)

func TestDecodeWord(t *testing.T) {
	var base lockword.Word
	for _, tc := range []struct {
		name string
		w    lockword.Word
		want WordDoc
	}{
		{
			name: "unlocked",
			w:    base.FromUnlocked(),
			want: WordDoc{State: lockword.Unlocked.String()},
		},
		{
			name: "light",
			w:    base.FromLightLock(7, 2),
			want: WordDoc{State: lockword.LightLocked.String(), Payload: "thread=7 count=2"},
		},
		{
			name: "heavy",
			w:    base.FromHeavyLock(42),
			want: WordDoc{State: lockword.HeavyLocked.String(), Payload: "monitor=42"},
		},
		{
			name: "marked",
			w:    base.FromHeavyLock(1).SetMarkedForGC(),
			want: WordDoc{State: lockword.HeavyLocked.String(), Payload: "monitor=1", Marked: true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.want.Value = uint32(tc.w)
			if diff := cmp.Diff(tc.want, decodeWord(tc.w)); diff != "" {
				t.Errorf("decodeWord(%v) mismatch (-want +got):\n%s", tc.w, diff)
			}
		})
	}
}

func TestLayoutOutputs(t *testing.T) {
	info := &LayoutInfo{Words: []WordDoc{decodeWord(lockword.Word(0).FromHeavyLock(3))}}
	for _, f := range lockword.Layout() {
		info.Fields = append(info.Fields, FieldDoc{Name: f.Name, Shift: f.Shift, Size: f.Size})
	}
	for name, out := range layoutOutputMap {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := out(&buf, info); err != nil {
				t.Fatalf("output: %v", err)
			}
			if !strings.Contains(buf.String(), "heavy.monitor-id") {
				t.Errorf("output does not name the monitor id field:\n%s", buf.String())
			}
		})
	}

	var buf bytes.Buffer
	if err := layoutJSON(&buf, info); err != nil {
		t.Fatal(err)
	}
	var got LayoutInfo
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json output does not parse: %v", err)
	}
	if diff := cmp.Diff(info, &got); diff != "" {
		t.Errorf("json output mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLabels(t *testing.T) {
	got, err := parseLabels("host=a,run=2")
	if err != nil {
		t.Fatalf("parseLabels: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"host": "a", "run": "2"}, got); diff != "" {
		t.Errorf("parseLabels mismatch (-want +got):\n%s", diff)
	}
	if got, err := parseLabels(""); err != nil || got != nil {
		t.Errorf("parseLabels(\"\") = %v, %v, want nil, nil", got, err)
	}
	for _, bad := range []string{"host", "=a", "a=1,a=2"} {
		if _, err := parseLabels(bad); err == nil {
			t.Errorf("parseLabels(%q) succeeded", bad)
		}
	}
}

func TestRunStress(t *testing.T) {
	for _, policy := range []monitor.InflationPolicy{monitor.PolicySuspend, monitor.PolicyWait} {
		t.Run(policy.String(), func(t *testing.T) {
			opts := monitor.DefaultOptions()
			opts.Policy = policy
			p := stressParams{
				threads:         4,
				objects:         2,
				iterations:      300,
				waitEvery:       25,
				hashEvery:       40,
				deflateInterval: time.Millisecond,
			}
			res, err := runStress(context.Background(), opts, p)
			if err != nil {
				t.Fatalf("runStress: %v", err)
			}
			if want := p.threads * p.iterations; res.ops != want {
				t.Errorf("ops = %d, want %d", res.ops, want)
			}
			// Hashing a held object always inflates it.
			if res.counters["/objsync/lock/inflations"] == 0 {
				t.Errorf("no inflations recorded")
			}
		})
	}
}

func TestRunStressCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := stressParams{threads: 2, objects: 1, iterations: 100}
	if _, err := runStress(ctx, monitor.DefaultOptions(), p); err == nil {
		t.Errorf("runStress with a cancelled context succeeded")
	}
}

func TestExportedSnapshotParses(t *testing.T) {
	var buf bytes.Buffer
	if _, err := prometheus.Write(&buf, prometheus.ExportOptions{Prefix: "test_"}, metric.Snapshot()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	families, err := prometheus.ExportedData(buf.Bytes()).Families()
	if err != nil {
		t.Fatalf("Families: %v", err)
	}
	for _, name := range lockCounters {
		if _, ok := families["test_"+metric.PrometheusName(name)]; !ok {
			t.Errorf("family for %s missing from export", name)
		}
	}
}
