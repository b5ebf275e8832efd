// Copyright 2022 The gVisor Authors.
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
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric path to a Prometheus metric name:
// /vm/scanner/passes becomes vm_scanner_passes.
func PrometheusName(name string) string {
	return strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(strings.TrimPrefix(name, "/"))
}

// toMetricFamily converts s to its Prometheus representation.
func (s *Sample) toMetricFamily() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if s.Metadata.Cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(s.Metadata.Name)),
		Type: typ.Enum(),
	}
	if s.Metadata.Description != "" {
		mf.Help = proto.String(s.Metadata.Description)
	}
	for _, v := range s.Values {
		m := &dto.Metric{}
		for i, f := range s.Metadata.Fields {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(f.name),
				Value: proto.String(v.FieldValues[i]),
			})
		}
		val := proto.Float64(float64(v.Value))
		if s.Metadata.Cumulative {
			m.Counter = &dto.Counter{Value: val}
		} else {
			m.Gauge = &dto.Gauge{Value: val}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, s := range Snapshot() {
		if err := enc.Encode(s.toMetricFamily()); err != nil {
			return fmt.Errorf("encoding metric %q: %w", s.Metadata.Name, err)
		}
	}
	return nil
}
