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

// Package prometheus contains Prometheus-compliant metric data structures and
// the text exposition writer, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"
)

// timeNow is time.Now. Tests may replace it.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// Supported metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
	TypeHistogram
)

// String returns the name of the type in the exposition format.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	case TypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// Metric is the metadata of a metric.
type Metric struct {
	// Name is the Prometheus metric name, without exporter prefix.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional description.
	Help string `json:"help"`
}

// writeHeaderTo writes the HELP and TYPE comments of the metric.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Only backslashes and line breaks need escaping in HELP.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, `\`, `\\`), "\n", `\n`)
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, m.Type)
	return err
}

// Number is a numerical value. Prometheus numbers are all floats, but integers
// are kept exact until export.
//
// At most one of Int and Float is non-zero.
type Number struct {
	Float float64 `json:"float,omitempty"`
	Int   int64   `json:"int,omitempty"`
}

// IsInteger returns whether n holds an integer value.
func (n *Number) IsInteger() bool {
	if n.Float == 0 {
		return true
	}
	if math.IsNaN(n.Float) || math.IsInf(n.Float, 0) {
		return false
	}
	return math.Round(n.Float) == n.Float
}

// String formats n as in the exposition format.
func (n *Number) String() string {
	switch {
	case n.Int == 0 && n.Float == 0:
		return "0"
	case n.Int != 0:
		return fmt.Sprintf("%d", n.Int)
	case math.IsInf(n.Float, -1):
		return "-Inf"
	case math.IsInf(n.Float, 1):
		return "+Inf"
	case math.IsNaN(n.Float):
		return "NaN"
	default:
		return fmt.Sprintf("%f", n.Float)
	}
}

// Bucket is a histogram bucket.
type Bucket struct {
	// UpperBound is the exclusive upper bound of the bucket. The last
	// bucket of a histogram has +Inf.
	UpperBound Number `json:"le"`

	// Samples is the number of samples in this bucket alone. They are
	// made cumulative on export.
	Samples uint64 `json:"n,omitempty"`
}

// Histogram is the value of a histogram metric.
type Histogram struct {
	// Total is the sum of all samples.
	Total Number `json:"total"`

	// Buckets are ordered by increasing upper bound.
	Buckets []Bucket `json:"buckets,omitempty"`
}

// Data is the value of one metric for one combination of labels.
type Data struct {
	Metric *Metric            `json:"metric"`
	Labels map[string]string `json:"labels,omitempty"`

	// Exactly one of Number and HistogramValue is set, depending on the
	// type of Metric.
	Number         *Number    `json:"val,omitempty"`
	HistogramValue *Histogram `json:"histogram,omitempty"`
}

// NewIntData returns an integer data point.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: &Number{Int: val}}
}

// LabeledIntData returns a labeled integer data point.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: &Number{Int: val}}
}

// NewFloatData returns a float data point.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Number: &Number{Float: val}}
}

// OrderedLabels returns 'key="value"' strings for all labels, sorted, except
// "le" which is reserved for histogram buckets and goes last. Duplicate label
// names across maps are an error.
func OrderedLabels(labels ...map[string]string) ([]string, error) {
	seen := make(map[string]struct{})
	var le string
	var out []string
	for _, m := range labels {
		for k, v := range m {
			if _, ok := seen[k]; ok {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			if k == "le" {
				le = v
				continue
			}
			out = append(out, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(out)
	if _, ok := seen["le"]; ok {
		out = append(out, fmt.Sprintf("le=%q", le))
	}
	return out, nil
}

// ExportOptions controls how a snapshot is written.
type ExportOptions struct {
	// CommentHeader is written as comment lines before the data.
	CommentHeader string

	// Prefix is prepended to all metric names.
	Prefix string

	// ExtraLabels are added to every data point.
	ExtraLabels map[string]string
}

// Snapshot is the value of a set of metrics at a point in time.
type Snapshot struct {
	// When is the time the snapshot was taken. It is exported with
	// millisecond precision.
	When time.Time `json:"when,omitempty"`

	// Data must not contain two entries with the same metric name and
	// labels.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns an empty snapshot taken now.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add adds data points to s and returns s.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// countingWriter counts the bytes that reached the underlying writer.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	w.written += n
	return n, err
}

// Written returns the number of bytes flushed so far.
func (w *countingWriter) Written() int {
	return w.written - w.w.Buffered()
}

// writeLine writes one sample line.
func writeLine(w io.Writer, name, suffix string, labels []string, val *Number, when time.Time) error {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(suffix)
	if len(labels) > 0 {
		b.WriteByte('{')
		b.WriteString(strings.Join(labels, ","))
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(val.String())
	fmt.Fprintf(&b, " %d\n", when.UnixMilli())
	_, err := io.WriteString(w, b.String())
	return err
}

// writeTo writes d in the exposition format. The metric header is written by
// the caller.
func (d *Data) writeTo(w io.Writer, when time.Time, options ExportOptions) error {
	name := options.Prefix + d.Metric.Name
	switch d.Metric.Type {
	case TypeUntyped, TypeGauge, TypeCounter:
		labels, err := OrderedLabels(d.Labels, options.ExtraLabels)
		if err != nil {
			return err
		}
		return writeLine(w, name, "", labels, d.Number, when)
	case TypeHistogram:
		var cumulative uint64
		for _, b := range d.HistogramValue.Buckets {
			cumulative += b.Samples
			labels, err := OrderedLabels(d.Labels, options.ExtraLabels, map[string]string{"le": b.UpperBound.String()})
			if err != nil {
				return err
			}
			if err := writeLine(w, name, "_bucket", labels, &Number{Int: int64(cumulative)}, when); err != nil {
				return err
			}
		}
		labels, err := OrderedLabels(d.Labels, options.ExtraLabels)
		if err != nil {
			return err
		}
		if err := writeLine(w, name, "_sum", labels, &d.HistogramValue.Total, when); err != nil {
			return err
		}
		return writeLine(w, name, "_count", labels, &Number{Int: int64(cumulative)}, when)
	default:
		return fmt.Errorf("unknown type %v for metric %s", d.Metric.Type, d.Metric.Name)
	}
}

// Write writes the snapshot to w in the text exposition format and returns
// the number of bytes written. Data points of the same metric are grouped
// under a single header, and metrics are ordered by name.
func Write(w io.Writer, options ExportOptions, s *Snapshot) (int, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", line); err != nil {
				return cw.Written(), err
			}
		}
	}
	if _, err := fmt.Fprintf(cw, "# Snapshot with %d data points taken at %v.\n", len(s.Data), s.When); err != nil {
		return cw.Written(), err
	}

	byName := make(map[string][]*Data)
	var names []string
	for _, d := range s.Data {
		if _, ok := byName[d.Metric.Name]; !ok {
			names = append(names, d.Metric.Name)
		}
		byName[d.Metric.Name] = append(byName[d.Metric.Name], d)
	}
	sort.Strings(names)
	for _, name := range names {
		data := byName[name]
		if _, err := io.WriteString(cw, "\n"); err != nil {
			return cw.Written(), err
		}
		if err := data[0].Metric.writeHeaderTo(cw, options.Prefix); err != nil {
			return cw.Written(), err
		}
		for _, d := range data {
			if d.Metric.Type != data[0].Metric.Type {
				return cw.Written(), fmt.Errorf("metric %s has data points of types %v and %v", name, data[0].Metric.Type, d.Metric.Type)
			}
			if err := d.writeTo(cw, s.When, options); err != nil {
				return cw.Written(), err
			}
		}
	}
	if _, err := io.WriteString(cw, "\n# End of metric data.\n"); err != nil {
		return cw.Written(), err
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}
