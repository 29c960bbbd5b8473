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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"kmm.dev/kmm/kmm/cmd/util"
	"kmm.dev/kmm/kmm/config"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/metric"
	"kmm.dev/kmm/pkg/mm"
	"kmm.dev/kmm/pkg/prometheus"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string
	pages          int
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "boot, run a small workload and export metric data"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<kmm_>] [-pages=N] - prints metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "kmm_", "Prefix for all metric names, following Prometheus exporter convention")
	f.IntVar(&m.pages, "pages", 16, "pages to map and unmap in a user pagemap before exporting.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.pages < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k := bootKernel(conf)
	defer k.Close()

	if m.pages > 0 {
		pm, err := k.NewUser()
		if err != nil {
			util.Fatalf("creating user pagemap: %v", err)
		}
		addr, err := pm.MMap(mm.MMapOpts{Length: uint64(m.pages) * hostarch.PageSize, Anonymous: true, Perms: hostarch.ReadWrite})
		if err != nil {
			util.Fatalf("mapping: %v", err)
		}
		if err := pm.MUnmap(addr); err != nil {
			util.Fatalf("unmapping: %v", err)
		}
		pm.DecRef()
	}

	written, err := prometheus.Write(os.Stdout, m.exporterPrefix, metric.Snapshot())
	if err != nil {
		util.Fatalf("Cannot write metrics to stdout: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data to stdout", written)
	return subcommands.ExitSuccess
}
