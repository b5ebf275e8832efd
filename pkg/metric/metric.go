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
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gvisor.dev/reclaim/pkg/atomicbitops"
	"gvisor.dev/reclaim/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /path/to/metric.
	ErrInvalidName = errors.New("metric name must be a non-empty absolute path")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Metadata describes a registered metric.
type Metadata struct {
	// Name is the metric name, a slash-separated path such as
	// /vm/scanner/passes.
	Name string

	// Description is a human-readable description.
	Description string

	// Cumulative is true for counters, and false for gauges.
	Cumulative bool

	// Fields are the dimensions of the metric.
	Fields []Field
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

type customUint64Metric struct {
	// metadata describes the metric. It is immutable.
	metadata Metadata

	// mapper enumerates the field value combinations of the metric.
	mapper fieldMapper

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu sync.Mutex

	// +checklocks:mu
	uint64Metrics map[string]customUint64Metric
}

// allMetrics are the registered metrics.
var allMetrics = &metricSet{uint64Metrics: make(map[string]customUint64Metric)}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. We could also ignore them
		// instead, but passing in a no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{nil, 0}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)

		// Sanity check, could be useful in case someone dynamically generates too
		// many fields accidentally.
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{nil, 0}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
// The returned key is an index into the metric's value array.
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}

		panic("disallowed field value")
	}
	return idx
}

// numKeys returns the total number of key-to-field-combinations mappings
// defined by the fieldMapper.
func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// keyToMultiField is the reverse of lookup. The returned list of field values
// corresponds to the same order of fields that were passed in to
// newFieldMapper.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 && key == 0 {
		return nil
	}
	depth := len(m.fields)
	fields := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fields
}

func validName(name string) bool {
	return len(name) > 1 && name[0] == '/' && name[len(name)-1] != '/'
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is computed by value.
//
// Preconditions:
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if !validName(name) {
		return ErrInvalidName
	}
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	allMetrics.uint64Metrics[name] = customUint64Metric{
		metadata: Metadata{
			Name:        name,
			Description: description,
			Cumulative:  cumulative,
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
	if err := RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
	}
	return &m, RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...)
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

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	key := m.fieldMapper.lookup(fieldValues...)
	return m.fields[key].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(v)
}

// Value is the value of one field combination of a metric.
type Value struct {
	// FieldValues holds one value per field of the metric.
	FieldValues []string
	Value       uint64
}

// Sample is a point-in-time reading of one metric.
type Sample struct {
	Metadata Metadata
	Values   []Value
}

// Snapshot reads every registered metric. Samples are ordered by name, and
// values by field key.
func Snapshot() []Sample {
	allMetrics.mu.Lock()
	ms := make([]customUint64Metric, 0, len(allMetrics.uint64Metrics))
	for _, m := range allMetrics.uint64Metrics {
		ms = append(ms, m)
	}
	allMetrics.mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].metadata.Name < ms[j].metadata.Name })

	out := make([]Sample, 0, len(ms))
	for _, m := range ms {
		s := Sample{Metadata: m.metadata}
		for key := 0; key < m.mapper.numKeys(); key++ {
			fv := m.mapper.keyToMultiField(key)
			s.Values = append(s.Values, Value{FieldValues: fv, Value: m.value(fv...)})
		}
		out = append(out, s)
	}
	return out
}
