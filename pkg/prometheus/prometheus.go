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

// Package prometheus contains Prometheus-compliant metric data structures and utilities.
// It can export data in Prometheus data format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// writeHeaderTo writes the metric comment header to the given writer.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Prometheus metric description escape rules: Only backslashes and line breaks need escaping.
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")); err != nil {
			return err
		}
	}
	var metricType string
	switch m.Type {
	case TypeGauge:
		metricType = "gauge"
	case TypeCounter:
		metricType = "counter"
	case TypeUntyped:
		metricType = "untyped"
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, metricType)
	return err
}

// Number represents a numerical value.
// In Prometheus, all numbers are float64s.
// However, for the purpose of usage of this library, we support expressing numbers as integers,
// which makes things like counters much easier and more precise.
// At data export time (i.e. when written out in Prometheus data format), it is coallesced into
// a float.
type Number struct {
	// Float is the float value of this number.
	// Mutually exclusive with Int.
	Float float64 `json:"float,omitempty"`

	// Int is the integer value of this number.
	// Mutually exclusive with Float.
	Int int64 `json:"int,omitempty"`
}

// String returns a string representation of this number.
func (n *Number) String() string {
	switch {
	// Zero case:
	case n.Int == 0 && n.Float == 0:
		return "0"

	// Integer case:
	case n.Int != 0:
		return fmt.Sprintf("%d", n.Int)

	// Special float cases:
	case n.Float == math.Inf(-1):
		return "-Inf"
	case n.Float == math.Inf(1):
		return "+Inf"
	case math.IsNaN(n.Float):
		return "NaN"

	// Regular float case:
	default:
		return fmt.Sprintf("%f", n.Float)
	}
}

// Data is an observation of the value of a single metric at a certain point in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string `json:"labels,omitempty"`

	// Number is the value.
	Number Number `json:"val"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: Number{Int: val}}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: Number{Int: val}}
}

// writeLabelsTo writes {k="v",...} in key order, or nothing if there are no
// labels.
func (d *Data) writeLabelsTo(w io.Writer) error {
	if len(d.Labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Labels))
	for k := range d.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		// Label values escape backslashes, quotes and line breaks.
		v := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n").Replace(d.Labels[k])
		pairs = append(pairs, fmt.Sprintf("%s=\"%s\"", k, v))
	}
	_, err := io.WriteString(w, "{"+strings.Join(pairs, ",")+"}")
	return err
}

// Snapshot is a snapshot of the values of all the metrics at a certain point in time.
type Snapshot struct {
	// Data is a list of data points.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// countingWriter implements io.Writer, and counts the number of bytes written to it.
// Useful in this file to keep track of total number of bytes without having to
// check the return value of every single `Write` call.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	written, err := w.w.Write(b)
	w.written += written
	return written, err
}

// Write writes the snapshot to w in Prometheus text format, with every metric
// name prefixed by prefix. Data points for the same metric share one header
// and metrics are written in name order. It returns the number of bytes
// written.
func Write(w io.Writer, prefix string, s *Snapshot) (int, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
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
		if err := data[0].Metric.writeHeaderTo(cw, prefix); err != nil {
			return cw.written, err
		}
		for _, d := range data {
			if _, err := io.WriteString(cw, prefix+d.Metric.Name); err != nil {
				return cw.written, err
			}
			if err := d.writeLabelsTo(cw); err != nil {
				return cw.written, err
			}
			if _, err := fmt.Fprintf(cw, " %s\n", d.Number.String()); err != nil {
				return cw.written, err
			}
		}
	}
	return cw.written, cw.w.Flush()
}
