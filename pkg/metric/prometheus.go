// Copyright 2026 The kltos Authors.
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
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// prometheusPrefix is prepended to every exported metric name.
const prometheusPrefix = "kltos"

// PrometheusName returns the name a metric is exported under, e.g.
// "/kernel/threads_created" becomes "kltos_kernel_threads_created".
func PrometheusName(name string) string {
	return prometheusPrefix + strings.ReplaceAll(name, "/", "_")
}

func ptr[T any](v T) *T {
	return &v
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_COUNTER
	if !m.cumulative {
		typ = dto.MetricType_GAUGE
	}
	mf := &dto.MetricFamily{
		Name: ptr(PrometheusName(m.name)),
		Help: ptr(m.description),
		Type: typ.Enum(),
	}
	for key := range m.values {
		v := float64(m.values[key].Load())
		pm := &dto.Metric{}
		for i, value := range m.fieldMapper.keyToMultiField(key) {
			pm.Label = append(pm.Label, &dto.LabelPair{
				Name:  ptr(m.fieldMapper.fields[i].name),
				Value: ptr(value),
			})
		}
		if m.cumulative {
			pm.Counter = &dto.Counter{Value: &v}
		} else {
			pm.Gauge = &dto.Gauge{Value: &v}
		}
		mf.Metric = append(mf.Metric, pm)
	}
	return mf
}

func (d *DistributionMetric) family() *dto.MetricFamily {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &dto.Histogram{
		SampleCount: ptr(d.total),
		SampleSum:   ptr(float64(d.sum)),
	}
	var cumulative uint64
	for i := 0; i < d.bucketer.NumFiniteBuckets(); i++ {
		cumulative += d.counts[i]
		h.Bucket = append(h.Bucket, &dto.Bucket{
			CumulativeCount: ptr(cumulative),
			UpperBound:      ptr(float64(d.bucketer.UpperBound(i))),
		})
	}
	return &dto.MetricFamily{
		Name:   ptr(PrometheusName(d.name)),
		Help:   ptr(d.description),
		Type:   dto.MetricType_HISTOGRAM.Enum(),
		Metric: []*dto.Metric{{Histogram: h}},
	}
}

// Families returns a snapshot of all registered metrics, sorted by name.
func Families() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	var fams []*dto.MetricFamily
	for _, m := range allMetrics.uint64Metrics {
		fams = append(fams, m.family())
	}
	for _, d := range allMetrics.distributionMetrics {
		fams = append(fams, d.family())
	}
	allMetrics.mu.Unlock()

	sort.Slice(fams, func(i, j int) bool {
		return fams[i].GetName() < fams[j].GetName()
	})
	return fams
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, mf := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
