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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered once, usually in package-level variables, under a
// slash-separated name such as "/objsync/lock/inflations". Snapshot reads
// every registered metric into a prometheus.Snapshot.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gvisor.dev/objsync/pkg/atomicbitops"
	"gvisor.dev/objsync/pkg/prometheus"
	"gvisor.dev/objsync/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// "/a/b_c".
	ErrInvalidName = errors.New("invalid metric name")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define
	// some allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Units are the units of a metric's values.
type Units int

// Supported units.
const (
	UnitsNone Units = iota
	UnitsNanoseconds
)

// Metadata describes a registered metric.
type Metadata struct {
	Name        string
	Description string

	// Cumulative is true for counters that never decrease.
	Cumulative bool

	Units  Units
	Fields []Field

	// BucketLowerBounds are the lower bounds of the finite buckets of a
	// distribution, followed by the lower bound of the overflow bucket.
	BucketLowerBounds []int64
}

// PrometheusName returns the Prometheus name of the metric.
func (m *Metadata) PrometheusName() string {
	return PrometheusName(m.Name)
}

// PrometheusName converts a metric name such as "/objsync/lock/inflations" to
// its Prometheus form, "objsync_lock_inflations".
func PrometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func checkName(name string) error {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '/') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

// Field is a dimension of a metric, with a fixed set of values.
type Field struct {
	name          string
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// AllowedValues returns the values the field may take.
func (f Field) AllowedValues() []string {
	return f.allowedValues
}

// fieldMapper maps combinations of field values to dense integer keys.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of keys.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		n *= len(f.allowedValues)
		if n > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{fields: fields, numFieldCombinations: n}, nil
}

// lookupConcat returns the key of the field values formed by concatenating
// fields1 and fields2. It panics if the number of values is wrong or if a
// value is not allowed.
//
//go:nosplit
func (m fieldMapper) lookupConcat(fields1, fields2 []string) int {
	if len(fields1)+len(fields2) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	key := 0
	for i := range m.fields {
		var val string
		if i < len(fields1) {
			val = fields1[i]
		} else {
			val = fields2[i-len(fields1)]
		}
		allowed := m.fields[i].allowedValues
		idx := -1
		for j, a := range allowed {
			if a == val {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic("disallowed field value")
		}
		key = key*len(allowed) + idx
	}
	return key
}

// lookup returns the key of the given field values.
//
//go:nosplit
func (m fieldMapper) lookup(fields ...string) int {
	return m.lookupConcat(fields, nil)
}

func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	vals := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		allowed := m.fields[i].allowedValues
		vals[i] = allowed[key%len(allowed)]
		key /= len(allowed)
	}
	return vals
}

// labels returns the Prometheus labels of the given key.
func (m fieldMapper) labels(key int) map[string]string {
	if len(m.fields) == 0 {
		return nil
	}
	vals := m.keyToMultiField(key)
	labels := make(map[string]string, len(vals))
	for i, f := range m.fields {
		labels[f.name] = vals[i]
	}
	return labels
}

type customUint64Metric struct {
	metadata *Metadata
	mapper   fieldMapper

	// value returns the current value for the given field values.
	value func(fieldValues ...string) uint64
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu                  sync.RWMutex
	uint64Metrics       map[string]customUint64Metric  // protected by mu
	distributionMetrics map[string]*DistributionMetric // protected by mu
}

func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics:       make(map[string]customUint64Metric),
		distributionMetrics: make(map[string]*DistributionMetric),
	}
}

// Preconditions: m.mu is locked.
func (m *metricSet) checkUnused(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, ok := m.uint64Metrics[name]; ok {
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	if _, ok := m.distributionMetrics[name]; ok {
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	return nil
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// RegisterCustomUint64Metric registers a metric whose value is computed by
// value, which is called with one value per field.
func RegisterCustomUint64Metric(name string, cumulative bool, units Units, description string, value func(...string) uint64, fields ...Field) error {
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkUnused(name); err != nil {
		return err
	}
	allMetrics.uint64Metrics[name] = customUint64Metric{
		metadata: &Metadata{
			Name:        name,
			Description: description,
			Cumulative:  cumulative,
			Units:       units,
			Fields:      fields,
		},
		mapper: mapper,
		value:  value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, cumulative, UnitsNone, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Uint64Metric is a cumulative counter, optionally broken down by fields.
type Uint64Metric struct {
	// fields holds one counter per combination of field values.
	fields      []atomicbitops.Uint64
	fieldMapper fieldMapper
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name string, units Units, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
	}
	return m, RegisterCustomUint64Metric(name, true /* cumulative */, units, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, UnitsNone, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given field values.
// It panics if called with the wrong number of field values.
//
//go:nosplit
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric by 1.
//
//go:nosplit
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
//
//go:nosplit
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Bucketer maps samples to a finite set of buckets.
type Bucketer interface {
	// NumFiniteBuckets is the number of finite buckets.
	NumFiniteBuckets() int

	// LowerBound returns the inclusive lower bound of bucket i, for i in
	// [0, NumFiniteBuckets()]. The upper bound of a bucket is the lower
	// bound of the next one; bucket NumFiniteBuckets() has none.
	LowerBound(i int) int64

	// BucketIndex returns the bucket of sample: a value in
	// [0, NumFiniteBuckets()], or -1 if the sample is below every bucket.
	BucketIndex(sample int64) int
}

// ExponentialBucketer is a Bucketer whose first bucket is [0, width) and
// whose subsequent buckets grow by a scaled exponential series.
type ExponentialBucketer struct {
	numFiniteBuckets int

	// lowerBounds[i] is the lower bound of finite bucket i;
	// lowerBounds[numFiniteBuckets] is the lower bound of the overflow
	// bucket.
	lowerBounds []int64

	// maxSample is the largest sample of a finite bucket.
	maxSample int64
}

// Limits on the number of finite buckets of an ExponentialBucketer.
const (
	exponentialMinBuckets = 1
	exponentialMaxBuckets = 100
)

// NewExponentialBucketer returns a Bucketer with bucket i starting at
// width*i + scale*growth^(i-1).
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < exponentialMinBuckets || numFiniteBuckets > exponentialMaxBuckets {
		panic(fmt.Sprintf("number of finite buckets must be in [%d, %d]", exponentialMinBuckets, exponentialMaxBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("scale and growth for exponential buckets must be >0, got scale=%f and growth=%f", scale, growth))
	}
	b := &ExponentialBucketer{
		numFiniteBuckets: numFiniteBuckets,
		lowerBounds:      make([]int64, numFiniteBuckets+1),
	}
	for i := 1; i <= numFiniteBuckets; i++ {
		b.lowerBounds[i] = int64(float64(width)*float64(i) + scale*math.Pow(growth, float64(i-1)))
		if b.lowerBounds[i] < 0 {
			panic(fmt.Sprintf("encountered bucket width overflow at bucket %d", i))
		}
	}
	b.maxSample = b.lowerBounds[numFiniteBuckets] - 1
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return b.numFiniteBuckets
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(i int) int64 {
	return b.lowerBounds[i]
}

// BucketIndex implements Bucketer.BucketIndex.
//
//go:nosplit
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	if sample < 0 {
		return -1
	}
	if sample > b.maxSample {
		return b.numFiniteBuckets
	}
	// Binary search for the last bucket whose lower bound is <= sample.
	lo, hi := 0, b.numFiniteBuckets-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if b.lowerBounds[mid] <= sample {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

var _ Bucketer = (*ExponentialBucketer)(nil)

// Minimum number of buckets for NewDurationBucketer.
const durationMinBuckets = 3

// NewDurationBucketer returns a Bucketer suited to durations in nanoseconds
// between roughly minDuration and maxDuration.
func NewDurationBucketer(numFiniteBuckets int, minDuration, maxDuration time.Duration) Bucketer {
	if numFiniteBuckets < durationMinBuckets {
		panic(fmt.Sprintf("duration bucketer must have at least %d buckets, got %d", durationMinBuckets, numFiniteBuckets))
	}
	minNs := minDuration.Nanoseconds()
	exponentCoversNs := float64(maxDuration.Nanoseconds()-int64(numFiniteBuckets-durationMinBuckets)*minNs) / float64(minNs)
	exponent := math.Log(exponentCoversNs) / math.Log(float64(numFiniteBuckets-durationMinBuckets))
	minNs = int64(float64(minNs) / exponent)
	return NewExponentialBucketer(numFiniteBuckets, uint64(minNs), float64(minNs), exponent)
}

// DistributionMetric counts samples in buckets, optionally broken down by
// fields.
type DistributionMetric struct {
	metadata *Metadata
	bucketer Bucketer
	mapper   fieldMapper

	// samples[key] holds, for one combination of field values, the
	// underflow bucket, the finite buckets and the overflow bucket.
	samples [][]atomicbitops.Uint64

	// sums[key] is the sum of all samples for that key.
	sums []atomicbitops.Int64
}

// NewDistributionMetric creates and registers a new distribution metric.
func NewDistributionMetric(name string, bucketer Bucketer, units Units, description string, fields ...Field) (*DistributionMetric, error) {
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	n := bucketer.NumFiniteBuckets()
	lowerBounds := make([]int64, n+1)
	for i := range lowerBounds {
		lowerBounds[i] = bucketer.LowerBound(i)
	}
	d := &DistributionMetric{
		metadata: &Metadata{
			Name:              name,
			Description:       description,
			Units:             units,
			Fields:            fields,
			BucketLowerBounds: lowerBounds,
		},
		bucketer: bucketer,
		mapper:   mapper,
		samples:  make([][]atomicbitops.Uint64, mapper.numKeys()),
		sums:     make([]atomicbitops.Int64, mapper.numKeys()),
	}
	for i := range d.samples {
		d.samples[i] = make([]atomicbitops.Uint64, n+2)
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkUnused(name); err != nil {
		return nil, err
	}
	allMetrics.distributionMetrics[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric calls NewDistributionMetric and panics if
// it returns an error.
func MustCreateNewDistributionMetric(name string, bucketer Bucketer, units Units, description string, fields ...Field) *DistributionMetric {
	d, err := NewDistributionMetric(name, bucketer, units, description, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample adds a sample to the distribution.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	d.addSampleByKey(sample, d.mapper.lookup(fields...))
}

func (d *DistributionMetric) addSampleByKey(sample int64, key int) {
	d.samples[key][d.bucketer.BucketIndex(sample)+1].Add(1)
	d.sums[key].Add(sample)
}

// Count returns the number of samples recorded for the given field values.
func (d *DistributionMetric) Count(fields ...string) uint64 {
	samples := d.samples[d.mapper.lookup(fields...)]
	var n uint64
	for i := range samples {
		n += samples[i].Load()
	}
	return n
}

// TimerMetric is a distribution of durations in nanoseconds.
type TimerMetric struct {
	DistributionMetric
}

// NewTimerMetric creates and registers a timer metric. nanoBucketer buckets
// nanoseconds; NewDurationBucketer builds a suitable one.
func NewTimerMetric(name string, nanoBucketer Bucketer, description string, fields ...Field) (*TimerMetric, error) {
	d, err := NewDistributionMetric(name, nanoBucketer, UnitsNanoseconds, description, fields...)
	if err != nil {
		return nil, err
	}
	return &TimerMetric{DistributionMetric: *d}, nil
}

// MustCreateNewTimerMetric calls NewTimerMetric and panics if it returns an
// error.
func MustCreateNewTimerMetric(name string, nanoBucketer Bucketer, description string, fields ...Field) *TimerMetric {
	t, err := NewTimerMetric(name, nanoBucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return t
}

// TimedOperation measures one operation of a TimerMetric.
type TimedOperation struct {
	metric *TimerMetric

	// partialFields is a prefix of the fields of the operation; the rest
	// are passed to Finish.
	partialFields []string

	started time.Time
}

// Start starts timing an operation. Fields not known yet may be passed to
// Finish instead.
func (t *TimerMetric) Start(fields ...string) TimedOperation {
	return TimedOperation{
		metric:        t,
		partialFields: fields,
		started:       time.Now(),
	}
}

// Finish records the duration of the operation. extraFields complete the
// fields passed to Start.
func (o TimedOperation) Finish(extraFields ...string) {
	key := o.metric.mapper.lookupConcat(o.partialFields, extraFields)
	o.metric.addSampleByKey(time.Since(o.started).Nanoseconds(), key)
}

// snapshot returns the data of the distribution for every combination of
// field values that has samples.
func (d *DistributionMetric) snapshot(pm *prometheus.Metric) []*prometheus.Data {
	var data []*prometheus.Data
	bounds := d.metadata.BucketLowerBounds
	for key, samples := range d.samples {
		h := &prometheus.Histogram{
			Total:   prometheus.Number{Int: d.sums[key].Load()},
			Buckets: make([]prometheus.Bucket, len(samples)),
		}
		var total uint64
		for i := range samples {
			n := samples[i].Load()
			total += n
			h.Buckets[i].Samples = n
			if i < len(bounds) {
				// Bucket i is below bounds[i]: bucket 0 is the
				// underflow bucket, ending at bounds[0].
				h.Buckets[i].UpperBound = prometheus.Number{Int: bounds[i]}
			} else {
				h.Buckets[i].UpperBound = prometheus.Number{Float: math.Inf(1)}
			}
		}
		if total == 0 {
			continue
		}
		data = append(data, &prometheus.Data{
			Metric:         pm,
			Labels:         d.mapper.labels(key),
			HistogramValue: h,
		})
	}
	return data
}

// Snapshot returns the current value of every registered metric, ordered by
// name. Counters with fields have one data point per combination of field
// values; distributions only for combinations that have samples.
func Snapshot() *prometheus.Snapshot {
	allMetrics.mu.RLock()
	defer allMetrics.mu.RUnlock()

	s := prometheus.NewSnapshot()
	names := make([]string, 0, len(allMetrics.uint64Metrics)+len(allMetrics.distributionMetrics))
	for name := range allMetrics.uint64Metrics {
		names = append(names, name)
	}
	for name := range allMetrics.distributionMetrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if m, ok := allMetrics.uint64Metrics[name]; ok {
			pm := &prometheus.Metric{
				Name: m.metadata.PrometheusName(),
				Type: prometheus.TypeGauge,
				Help: m.metadata.Description,
			}
			if m.metadata.Cumulative {
				pm.Type = prometheus.TypeCounter
			}
			for key := 0; key < m.mapper.numKeys(); key++ {
				v := m.value(m.mapper.keyToMultiField(key)...)
				s.Add(prometheus.LabeledIntData(pm, m.mapper.labels(key), int64(v)))
			}
			continue
		}
		d := allMetrics.distributionMetrics[name]
		pm := &prometheus.Metric{
			Name: d.metadata.PrometheusName(),
			Type: prometheus.TypeHistogram,
			Help: d.metadata.Description,
		}
		s.Add(d.snapshot(pm)...)
	}
	return s
}

// Registered returns the metadata of every registered metric, ordered by
// name.
func Registered() []*Metadata {
	allMetrics.mu.RLock()
	defer allMetrics.mu.RUnlock()
	var md []*Metadata
	for _, m := range allMetrics.uint64Metrics {
		md = append(md, m.metadata)
	}
	for _, d := range allMetrics.distributionMetrics {
		md = append(md, d.metadata)
	}
	sort.Slice(md, func(i, j int) bool { return md[i].Name < md[j].Name })
	return md
}
