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

package metric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics = &metricSet{uint64Metrics: make(map[string]customUint64Metric)}
}

const (
	fooDescription     = "Foo!"
	counterDescription = "Counter"
)

func TestRegister(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", fooDescription); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	for _, name := range []string{"", "foo", "/", "/foo/"} {
		if _, err := NewUint64Metric(name, fooDescription); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q) got err %v want %v", name, err, ErrInvalidName)
		}
	}
	if _, err := NewUint64Metric("/empty", fooDescription, NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric with empty field got err %v", err)
	}
}

func TestFieldMapper(t *testing.T) {
	m, err := newFieldMapper(NewField("a", []string{"x", "y"}), NewField("b", []string{"1", "2", "3"}))
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	if got := m.numKeys(); got != 6 {
		t.Fatalf("numKeys = %d, want 6", got)
	}
	for key := 0; key < m.numKeys(); key++ {
		fields := m.keyToMultiField(key)
		if got := m.lookup(fields...); got != key {
			t.Errorf("lookup(%v) = %d, want %d", fields, got, key)
		}
	}
}

func TestCounters(t *testing.T) {
	defer reset()

	c := MustCreateNewUint64Metric("/counter", counterDescription, NewField("kind", []string{"a", "b"}))
	c.Increment("a")
	c.IncrementBy(5, "b")
	c.Increment("b")
	if got := c.Value("a"); got != 1 {
		t.Errorf("Value(a) = %d, want 1", got)
	}
	if got := c.Value("b"); got != 6 {
		t.Errorf("Value(b) = %d, want 6", got)
	}

	var gauge uint64 = 42
	MustRegisterCustomUint64Metric("/gauge", false, "Gauge", func(...string) uint64 { return gauge })

	want := []Sample{
		{
			Metadata: Metadata{Name: "/counter", Description: counterDescription, Cumulative: true, Fields: []Field{NewField("kind", []string{"a", "b"})}},
			Values:   []Value{{FieldValues: []string{"a"}, Value: 1}, {FieldValues: []string{"b"}, Value: 6}},
		},
		{
			Metadata: Metadata{Name: "/gauge", Description: "Gauge"},
			Values:   []Value{{Value: 42}},
		},
	}
	if diff := cmp.Diff(want, Snapshot(), cmp.AllowUnexported(Field{})); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDisallowedFieldPanics(t *testing.T) {
	defer reset()

	c := MustCreateNewUint64Metric("/counter", counterDescription, NewField("kind", []string{"a"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed field value did not panic")
		}
	}()
	c.Increment("z")
}

func TestWritePrometheus(t *testing.T) {
	defer reset()

	c := MustCreateNewUint64Metric("/vm/scanner/passes", "Completed passes.", NewField("result", []string{"ok", "skipped"}))
	c.IncrementBy(3, "ok")
	MustRegisterCustomUint64Metric("/vm/free_frames", false, "Free frames.", func(...string) uint64 { return 7 })

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing exported metrics: %v\n%s", err, buf.String())
	}

	passes, ok := parsed["vm_scanner_passes"]
	if !ok {
		t.Fatalf("vm_scanner_passes missing from %v", parsed)
	}
	if got := passes.GetHelp(); got != "Completed passes." {
		t.Errorf("help = %q", got)
	}
	got := make(map[string]float64)
	for _, m := range passes.GetMetric() {
		got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if diff := cmp.Diff(map[string]float64{"ok": 3, "skipped": 0}, got); diff != "" {
		t.Errorf("counter values mismatch (-want +got):\n%s", diff)
	}

	free, ok := parsed["vm_free_frames"]
	if !ok {
		t.Fatalf("vm_free_frames missing")
	}
	if v := free.GetMetric()[0].GetGauge().GetValue(); v != 7 {
		t.Errorf("gauge value = %v, want 7", v)
	}
}
