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

package prometheus

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testSnapshot() *Snapshot {
	counter := &Metric{Name: "objsync_lock_inflations", Type: TypeCounter, Help: "Inflations.\nBy reason."}
	gauge := &Metric{Name: "objsync_monitors", Type: TypeGauge}
	hist := &Metric{Name: "objsync_acquire_latency", Type: TypeHistogram, Help: `Latency in \ns.`}
	return &Snapshot{
		When: time.Unix(1700000000, 0),
		Data: []*Data{
			LabeledIntData(counter, map[string]string{"reason": "contention"}, 3),
			LabeledIntData(counter, map[string]string{"reason": "hash"}, 0),
			NewIntData(gauge, 7),
			{
				Metric: hist,
				HistogramValue: &Histogram{
					Total: Number{Int: 120},
					Buckets: []Bucket{
						{UpperBound: Number{Int: 0}, Samples: 0},
						{UpperBound: Number{Int: 10}, Samples: 2},
						{UpperBound: Number{Int: 100}, Samples: 1},
						{UpperBound: Number{Float: math.Inf(1)}, Samples: 1},
					},
				},
			},
		},
	}
}

func TestWriteParses(t *testing.T) {
	var buf bytes.Buffer
	n, err := Write(&buf, ExportOptions{CommentHeader: "test\nheader"}, testSnapshot())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d, wrote %d bytes", n, buf.Len())
	}
	got, err := ExportedData(buf.Bytes()).Families()
	if err != nil {
		t.Fatalf("Families: %v\n%s", err, buf.String())
	}
	want := map[string]int{
		"objsync_lock_inflations": 2,
		"objsync_monitors":        1,
		"objsync_acquire_latency": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("families mismatch (-want +got):\n%s", diff)
	}

	data := ExportedData(buf.Bytes())
	for _, tc := range []struct {
		name   string
		labels map[string]string
		want   int64
	}{
		{"objsync_lock_inflations", map[string]string{"reason": "contention"}, 3},
		{"objsync_lock_inflations", map[string]string{"reason": "hash"}, 0},
		{"objsync_monitors", nil, 7},
		{"objsync_acquire_latency", nil, 4},
	} {
		v, err := data.Integer(tc.name, tc.labels)
		if err != nil {
			t.Errorf("Integer(%q, %v): %v", tc.name, tc.labels, err)
			continue
		}
		if v != tc.want {
			t.Errorf("Integer(%q, %v) = %d, want %d", tc.name, tc.labels, v, tc.want)
		}
	}
	if _, err := data.Integer("objsync_lock_inflations", nil); err == nil {
		t.Errorf("Integer matched one of several samples")
	}
}

func TestWriteHistogramIsCumulative(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Write(&buf, ExportOptions{}, testSnapshot()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, want := range []string{
		`objsync_acquire_latency_bucket{le="0"} 0 1700000000000`,
		`objsync_acquire_latency_bucket{le="10"} 2 1700000000000`,
		`objsync_acquire_latency_bucket{le="100"} 3 1700000000000`,
		`objsync_acquire_latency_bucket{le="+Inf"} 4 1700000000000`,
		`objsync_acquire_latency_sum 120 1700000000000`,
		`objsync_acquire_latency_count 4 1700000000000`,
		`# HELP objsync_lock_inflations Inflations.\nBy reason.`,
		`# TYPE objsync_monitors gauge`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, buf.String())
		}
	}
}

func TestWritePrefixAndExtraLabels(t *testing.T) {
	var buf bytes.Buffer
	opts := ExportOptions{Prefix: "test_", ExtraLabels: map[string]string{"run": "a"}}
	if _, err := Write(&buf, opts, testSnapshot()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, err := ExportedData(buf.Bytes()).Integer("test_objsync_lock_inflations", map[string]string{"reason": "contention", "run": "a"})
	if err != nil {
		t.Fatalf("Integer: %v\n%s", err, buf.String())
	}
	if v != 3 {
		t.Errorf("value = %d, want 3", v)
	}

	opts.ExtraLabels = map[string]string{"reason": "clash"}
	if _, err := Write(&bytes.Buffer{}, opts, testSnapshot()); err == nil {
		t.Errorf("Write accepted a duplicate label name")
	}
}

func TestOrderedLabels(t *testing.T) {
	got, err := OrderedLabels(map[string]string{"le": "10", "b": "2"}, map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("OrderedLabels: %v", err)
	}
	want := []string{`a="1"`, `b="2"`, `le="10"`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("OrderedLabels mismatch (-want +got):\n%s", diff)
	}
}

func TestNumberString(t *testing.T) {
	for _, tc := range []struct {
		n    Number
		want string
	}{
		{Number{}, "0"},
		{Number{Int: -3}, "-3"},
		{Number{Float: 1.5}, "1.500000"},
		{Number{Float: math.Inf(-1)}, "-Inf"},
	} {
		if got := tc.n.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestFamiliesRejectsBadNames(t *testing.T) {
	data := ExportedData("# TYPE Bad_name counter\nBad_name 1\n")
	if _, err := data.Families(); err == nil {
		t.Errorf("Families accepted an upper case metric name")
	}
}
