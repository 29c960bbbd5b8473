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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kmm.dev/kmm/kmm/cmd/util"
	"kmm.dev/kmm/kmm/config"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/mm"
	"kmm.dev/kmm/pkg/pgmap"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	maxPages   int
	shared     bool
	seed       int64
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap concurrently from several CPUs and check for leaks"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-workers=N] [-iterations=N] [-max-pages=N] [-shared] - runs concurrent map/unmap workers.

Each worker runs on its own CPU. With -shared, all workers use one user
pagemap; otherwise each has its own. At the end every pagemap is released and
the allocator must be back to its initial free count.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers, at most --cpus.")
	f.IntVar(&s.iterations, "iterations", 1000, "map/unmap iterations per worker.")
	f.IntVar(&s.maxPages, "max-pages", 64, "largest mapping, in pages.")
	f.BoolVar(&s.shared, "shared", false, "share one pagemap between all workers.")
	f.Int64Var(&s.seed, "seed", 1, "random seed.")
	f.DurationVar(&s.timeout, "alloc-timeout", 5*time.Second, "how long a worker retries a mapping while memory is exhausted.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if f.NArg() != 0 || s.workers < 1 || s.workers > conf.CPUs || s.maxPages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	k := bootKernel(conf)
	defer k.Close()
	a := k.Allocator()
	before := a.FreeCount()

	var shared *mm.Pagemap
	if s.shared {
		var err error
		if shared, err = k.NewUser(); err != nil {
			util.Fatalf("creating user pagemap: %v", err)
		}
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		w := &stressWorker{
			Stress: s,
			k:      k,
			cpu:    k.CPU(i),
			rand:   rand.New(rand.NewSource(s.seed + int64(i))),
		}
		g.Go(func() error {
			return w.run(ctx, shared)
		})
	}
	if err := g.Wait(); err != nil {
		util.Fatalf("stress: %v", err)
	}
	if shared != nil {
		shared.DecRef()
	}

	if after := a.FreeCount(); after != before {
		util.Fatalf("%d pages free after stress, want %d: %d pages leaked", after, before, before-after)
	}
	util.Infof("%d workers x %d iterations in %v, %d pages free", s.workers, s.iterations, time.Since(start), before)
	return subcommands.ExitSuccess
}

type stressWorker struct {
	*Stress
	k    *mm.Kernel
	cpu  *mm.CPU
	rand *rand.Rand
}

func (w *stressWorker) run(ctx context.Context, pm *mm.Pagemap) error {
	if pm == nil {
		var err error
		if pm, err = w.k.NewUser(); err != nil {
			return err
		}
	} else {
		pm.IncRef()
	}
	w.cpu.Switch(pm)
	// Switching away drops the CPU's reference.
	pm.DecRef()
	defer w.cpu.Switch(w.k.Pagemap())

	for i := 0; i < w.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		length := uint64(1+w.rand.Intn(w.maxPages)) * hostarch.PageSize
		addr, err := w.mmap(ctx, pm, length)
		if err != nil {
			return fmt.Errorf("CPU %d, iteration %d: %w", w.cpu.ID(), i, err)
		}
		last := addr + hostarch.Addr(length) - 1
		if _, _, err := pm.Translate(last); err != nil {
			return fmt.Errorf("CPU %d: %w", w.cpu.ID(), err)
		}
		if err := pm.MUnmap(addr); err != nil {
			return fmt.Errorf("CPU %d: %w", w.cpu.ID(), err)
		}
	}
	return nil
}

// mmap maps length bytes of anonymous memory. Other workers free memory as
// they unmap, so allocation failures are retried with backoff.
func (w *stressWorker) mmap(ctx context.Context, pm *mm.Pagemap, length uint64) (hostarch.Addr, error) {
	var addr hostarch.Addr
	op := func() error {
		var err error
		addr, err = pm.MMap(mm.MMapOpts{Length: length, Anonymous: true, Perms: hostarch.ReadWrite})
		if err == nil {
			return nil
		}
		if errors.Is(err, pgmap.ErrPageAllocFail) || errors.Is(err, pgmap.ErrTableAllocFail) {
			log.Debugf("CPU %d: retrying mapping of %#x bytes: %v", w.cpu.ID(), length, err)
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = w.timeout
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return 0, err
	}
	return addr, nil
}
