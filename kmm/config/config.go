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

// Package config provides basic infrastructure to set configuration settings
// for kmm. The configuration is set by flags to the command line. It can
// also be loaded from a TOML file, where each key is a flag name.
package config

import (
	"fmt"
	"reflect"

	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/mm"
	"kmm.dev/kmm/pkg/pte"
	"kmm.dev/kmm/pkg/refs"
)

// maxCPUs is the largest number of simulated CPUs.
const maxCPUs = 1024

// Config holds configuration that is not part of the memory manager
// interfaces: which machine to simulate and how to log.
//
// Every field with a flag tag is set from the flag of that name.
type Config struct {
	// Arch is the page-table format, as accepted by pte.Lookup.
	Arch string `flag:"arch"`

	// MemoryMB is the size of simulated RAM in MiB.
	MemoryMB uint64 `flag:"memory-mb"`

	// CPUs is the number of simulated CPUs.
	CPUs int `flag:"cpus"`

	// KernelLargePages allows large pages in the kernel pagemap, including
	// the direct map.
	KernelLargePages bool `flag:"kernel-large-pages"`

	// UserLargePages allows large pages in user pagemaps.
	UserLargePages bool `flag:"user-large-pages"`

	// MMIOMB is the size of the MMIO virtual window in MiB.
	MMIOMB uint64 `flag:"mmio-mb"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`
}

func (c *Config) validate() error {
	if _, err := pte.Lookup(c.Arch); err != nil {
		return err
	}
	if c.MemoryMB == 0 {
		return fmt.Errorf("--memory-mb must be positive")
	}
	if c.CPUs < 1 || c.CPUs > maxCPUs {
		return fmt.Errorf("--cpus=%d must be in [1, %d]", c.CPUs, maxCPUs)
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	return nil
}

// MMOptions returns the boot options described by c.
func (c *Config) MMOptions() (mm.Options, error) {
	codec, err := pte.Lookup(c.Arch)
	if err != nil {
		return mm.Options{}, err
	}
	return mm.Options{
		Codec:            codec,
		MemorySize:       c.MemoryMB << 20,
		CPUs:             c.CPUs,
		KernelLargePages: c.KernelLargePages,
		UserLargePages:   c.UserLargePages,
		MMIOSize:         c.MMIOMB << 20,
	}, nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("  %s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
		}
	}
}
