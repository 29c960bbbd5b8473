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

package metric

import (
	"errors"
	"strings"
	"testing"
)

func TestRegisterAndIncrement(t *testing.T) {
	m, err := NewUint64Metric("/metric_test/counter", "A test counter.")
	if err != nil {
		t.Fatalf("NewUint64Metric: %v", err)
	}
	m.Increment()
	m.IncrementBy(4)
	if got := m.Value(); got != 5 {
		t.Errorf("Value() = %d, want 5", got)
	}
	if got := Values()["/metric_test/counter"]; got != 5 {
		t.Errorf("Values()[counter] = %d, want 5", got)
	}

	if _, err := NewUint64Metric("/metric_test/counter", ""); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate registration: got %v, want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("no_slash", ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("bad name: got %v, want %v", err, ErrInvalidName)
	}

	var b strings.Builder
	if err := WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	if !strings.Contains(b.String(), "metric_test_counter 5\n") {
		t.Errorf("WritePrometheus output missing counter:\n%s", b.String())
	}
}
