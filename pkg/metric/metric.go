// Copyright 2018 The gVisor Authors.
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
// Metrics are registered once, at package initialization time of the
// package that owns them, and are process-global. They can be exported in the
// Prometheus text format with WritePrometheus.
package metric

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kltos/kltos/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a path of lower
	// case words.
	ErrInvalidName = errors.New("metric name is invalid")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define
	// some allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// nameRE matches metric names such as "/kernel/threads_created".
var nameRE = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. Passing in a
		// no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key of the given field values. It must be called with
// the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remaining /= len(m.fields[i].allowedValues)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i, f := range m.fields {
		remaining /= len(f.allowedValues)
		values[i] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool

	// values is indexed by fieldMapper keys.
	values []atomic.Uint64

	fieldMapper fieldMapper
}

// metricSet holds registered metrics.
type metricSet struct {
	mu sync.Mutex

	uint64Metrics       map[string]*Uint64Metric
	distributionMetrics map[string]*DistributionMetric
}

func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics:       make(map[string]*Uint64Metric),
		distributionMetrics: make(map[string]*DistributionMetric),
	}
}

// checkNameLocked returns an error if name cannot be registered.
//
// Preconditions: s.mu is locked.
func (s *metricSet) checkNameLocked(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := s.uint64Metrics[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	if _, ok := s.distributionMetrics[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	return nil
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

func newUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkNameLocked(name); err != nil {
		return nil, err
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		values:      make([]atomic.Uint64, f.numFieldCombinations),
		fieldMapper: f,
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	return newUint64Metric(name, true, description, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// NewUint64Gauge creates and registers a new metric whose value may go down.
func NewUint64Gauge(name string, description string, fields ...Field) (*Uint64Metric, error) {
	return newUint64Metric(name, false, description, fields...)
}

// MustCreateNewUint64Gauge calls NewUint64Gauge and panics if it returns an
// error.
func MustCreateNewUint64Gauge(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Gauge(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Decrement decrements a gauge by 1.
func (m *Uint64Metric) Decrement(fieldValues ...string) {
	if m.cumulative {
		panic(fmt.Sprintf("Decrement of cumulative metric %q", m.name))
	}
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(^uint64(0))
}

// Bucketer is an interface to bucket values into finite, distinct buckets.
type Bucketer interface {
	// NumFiniteBuckets is the number of finite buckets in the distribution.
	// This is only called once and never expected to return a different
	// value.
	NumFiniteBuckets() int

	// UpperBound returns the exclusive upper bound of the bucket at the
	// given index.
	UpperBound(bucketIndex int) int64

	// BucketIndex returns the index of the bucket that sample falls into.
	// It returns NumFiniteBuckets() for samples past the last finite
	// bucket.
	BucketIndex(sample int64) int
}

// ExponentialBucketer implements Bucketer with exponentially growing
// bucket widths: the upper bound of bucket i is width * growth^i.
type ExponentialBucketer struct {
	upperBounds []int64
}

// NewExponentialBucketer returns a new ExponentialBucketer.
func NewExponentialBucketer(numFiniteBuckets int, width int64, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < 1 || width < 1 || growth <= 1 {
		panic(fmt.Sprintf("invalid exponential bucketer parameters: %d, %d, %f", numFiniteBuckets, width, growth))
	}
	b := &ExponentialBucketer{upperBounds: make([]int64, numFiniteBuckets)}
	bound := float64(width)
	for i := range b.upperBounds {
		b.upperBounds[i] = int64(bound)
		bound *= growth
	}
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return len(b.upperBounds)
}

// UpperBound implements Bucketer.UpperBound.
func (b *ExponentialBucketer) UpperBound(bucketIndex int) int64 {
	return b.upperBounds[bucketIndex]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	return sort.Search(len(b.upperBounds), func(i int) bool {
		return sample < b.upperBounds[i]
	})
}

// NewDurationBucketer returns a Bucketer of nanosecond durations with
// numFiniteBuckets buckets growing by a factor of 4 from minDuration.
func NewDurationBucketer(numFiniteBuckets int, minDuration time.Duration) Bucketer {
	return NewExponentialBucketer(numFiniteBuckets, minDuration.Nanoseconds(), 4)
}

// DistributionMetric represents a distribution of values.
type DistributionMetric struct {
	name        string
	description string
	bucketer    Bucketer

	mu sync.Mutex
	// counts holds NumFiniteBuckets()+1 counters, the last one counting
	// samples past the last finite bucket.
	counts []uint64
	sum    int64
	total  uint64
}

// NewDistributionMetric creates and registers a new distribution metric.
func NewDistributionMetric(name string, bucketer Bucketer, description string) (*DistributionMetric, error) {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if err := allMetrics.checkNameLocked(name); err != nil {
		return nil, err
	}
	d := &DistributionMetric{
		name:        name,
		description: description,
		bucketer:    bucketer,
		counts:      make([]uint64, bucketer.NumFiniteBuckets()+1),
	}
	allMetrics.distributionMetrics[name] = d
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution
// metric. It panics if an error occurs.
func MustCreateNewDistributionMetric(name string, bucketer Bucketer, description string) *DistributionMetric {
	d, err := NewDistributionMetric(name, bucketer, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create distribution metric %q: %s", name, err))
	}
	return d
}

// AddSample adds a sample to the distribution.
func (d *DistributionMetric) AddSample(sample int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[d.bucketer.BucketIndex(sample)]++
	d.sum += sample
	d.total++
}

// TimedOperation is used by DistributionMetric to keep track of the time
// elapsed between an operation starting and stopping.
type TimedOperation struct {
	d     *DistributionMetric
	start time.Time
}

// Start starts a timer measurement for the given distribution. The
// distribution must be bucketed in nanoseconds.
func (d *DistributionMetric) Start() TimedOperation {
	return TimedOperation{d: d, start: time.Now()}
}

// Finish marks an operation as finished and records its duration.
func (o TimedOperation) Finish() {
	o.d.AddSample(time.Since(o.start).Nanoseconds())
}
