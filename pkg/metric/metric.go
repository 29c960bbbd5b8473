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
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"kmm.dev/kmm/pkg/atomicbitops"
	"kmm.dev/kmm/pkg/prometheus"
	"kmm.dev/kmm/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. Uint64Metrics are cumulative counters.
type Uint64Metric struct {
	value atomicbitops.Uint64

	name        string
	description string
}

var (
	// allMetricsMu protects allMetrics.
	allMetricsMu sync.Mutex

	// allMetrics are the registered metrics, by name.
	allMetrics = make(map[string]*Uint64Metric)
)

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '/') {
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNameInUse)
	}
	m := &Uint64Metric{name: name, description: description}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric's registered name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Values returns the current value of every registered metric, keyed by name.
func Values() map[string]uint64 {
	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	vals := make(map[string]uint64, len(allMetrics))
	for name, m := range allMetrics {
		vals[name] = m.Value()
	}
	return vals
}

// prometheusName converts "/kmm/pages_mapped" to "kmm_pages_mapped".
func prometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// Snapshot captures every registered metric as Prometheus counters.
func Snapshot() *prometheus.Snapshot {
	allMetricsMu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	allMetricsMu.Unlock()
	sort.Strings(names)

	s := prometheus.NewSnapshot()
	for _, name := range names {
		allMetricsMu.Lock()
		m := allMetrics[name]
		allMetricsMu.Unlock()
		pm := &prometheus.Metric{
			Name: prometheusName(name),
			Type: prometheus.TypeCounter,
			Help: m.description,
		}
		s.Add(prometheus.NewIntData(pm, int64(m.Value())))
	}
	return s
}

// WritePrometheus writes every registered metric to w in Prometheus text
// format.
func WritePrometheus(w io.Writer) error {
	_, err := prometheus.Write(w, "", Snapshot())
	return err
}
