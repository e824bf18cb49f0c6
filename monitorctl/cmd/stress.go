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
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"text/tabwriter"
	"time"

	"gvisor.dev/objsync/monitorctl/flag"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/objsync/monitorctl/config"
	"gvisor.dev/objsync/pkg/atomicbitops"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/metric"
	"gvisor.dev/objsync/pkg/monitor"
	"gvisor.dev/objsync/pkg/prometheus"
	"gvisor.dev/objsync/pkg/thread"
)

// goroutines reports the number of live goroutines alongside the lock
// metrics, to tell blocked workers from spinning ones.
var goroutines = metric.MustCreateNewRuntimeUint64Metric("/objsync/runtime/goroutines", "/sched/goroutines:goroutines")

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	params  stressParams
	compare bool
	metrics bool
}

type stressParams struct {
	threads         int
	objects         int
	iterations      int
	waitEvery       int
	hashEvery       int
	deflateInterval time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "Run a contended locking workload and check mutual exclusion."
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [options] - Run threads that repeatedly lock a small set of
objects, optionally waiting, notifying and hashing while holding them, and
deflating idle monitors in the background. Fails if two threads ever hold the
same object or if an identity hash changes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.params.threads, "threads", 8, "number of locking threads.")
	f.IntVar(&s.params.objects, "objects", 4, "number of shared objects.")
	f.IntVar(&s.params.iterations, "iterations", 10000, "lock operations per thread.")
	f.IntVar(&s.params.waitEvery, "wait-every", 0, "wait briefly on the held object every N iterations. 0 disables.")
	f.IntVar(&s.params.hashEvery, "hash-every", 0, "take the identity hash of the held object every N iterations. 0 disables.")
	f.DurationVar(&s.params.deflateInterval, "deflate-interval", 10*time.Millisecond, "interval between deflation sweeps. 0 disables.")
	f.BoolVar(&s.compare, "compare", false, "run the workload under every inflation policy.")
	f.BoolVar(&s.metrics, "metrics", false, "print the lock metrics after the run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.params.threads <= 0 || s.params.objects <= 0 || s.params.iterations <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	policies := []monitor.InflationPolicy{monitor.InflationPolicy(conf.InflationPolicy)}
	if s.compare {
		policies = []monitor.InflationPolicy{monitor.PolicySuspend, monitor.PolicyWait}
	}

	var results []*stressResult
	for _, p := range policies {
		c := conf.Clone()
		c.InflationPolicy = config.InflationPolicy(p)
		log.Infof("Running stress with policy %v: %+v", p, s.params)
		res, err := runStress(ctx, c.MonitorOptions(), s.params)
		if err != nil {
			return Errorf("stress with policy %v: %v", p, err)
		}
		results = append(results, res)
	}

	if err := writeStressResults(os.Stdout, results); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	if s.metrics {
		if _, err := prometheus.Write(os.Stdout, prometheus.ExportOptions{}, metric.Snapshot()); err != nil {
			Fatalf("Error writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// stressObject is a shared object with a counter protected by its lock.
type stressObject struct {
	hdr lockword.Header

	// inside counts threads in the critical section. It must never exceed
	// one.
	inside atomicbitops.Int32

	count int

	// hash is the first identity hash observed, or zero.
	hash atomicbitops.Uint32
}

type stressResult struct {
	policy     monitor.InflationPolicy
	ops        int
	elapsed    time.Duration
	live       int
	counters   map[string]int64
	goroutines uint64
}

// lockCounters are the counters reported per run.
var lockCounters = []string{
	"/objsync/lock/inflations",
	"/objsync/lock/deflations",
	"/objsync/lock/contended_enters",
	"/objsync/lock/suspend_inflations",
	"/objsync/lock/illegal_operations",
}

// counterTotals sums the data points of each counter in lockCounters.
func counterTotals(s *prometheus.Snapshot) map[string]int64 {
	want := make(map[string]string, len(lockCounters))
	for _, name := range lockCounters {
		want[metric.PrometheusName(name)] = name
	}
	totals := make(map[string]int64, len(lockCounters))
	for _, d := range s.Data {
		name, ok := want[d.Metric.Name]
		if !ok || d.Number == nil {
			continue
		}
		totals[name] += d.Number.Int
	}
	return totals
}

func runStress(ctx context.Context, opts monitor.Options, p stressParams) (*stressResult, error) {
	vm := monitor.NewVM(thread.NewManager(), opts)
	objs := make([]stressObject, p.objects)
	before := counterTotals(metric.Snapshot())

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	var sweeper errgroup.Group
	swept := 0
	if p.deflateInterval > 0 {
		lim := rate.NewLimiter(rate.Every(p.deflateInterval), 1)
		sweeper.Go(func() error {
			for lim.Wait(sweepCtx) == nil {
				swept += vm.DeflateAll()
			}
			return nil
		})
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < p.threads; w++ {
		seed := uint64(w)
		g.Go(func() error {
			t, err := vm.Threads().NewThread()
			if err != nil {
				return err
			}
			defer vm.Threads().Exit(t)
			rng := rand.New(rand.NewPCG(uint64(start.UnixNano()), seed))
			for i := 1; i <= p.iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := stressStep(vm, t, &objs[rng.IntN(len(objs))], i, p); err != nil {
					return err
				}
				t.SafepointPoll()
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	stopSweeps()
	sweeper.Wait()
	if err != nil {
		return nil, err
	}

	total := 0
	for i := range objs {
		o := &objs[i]
		total += o.count
		if owner := vm.LockOwnerID(&o.hdr); owner != thread.NoID {
			return nil, fmt.Errorf("object %d still owned by thread %d after the run", i, owner)
		}
	}
	if want := p.threads * p.iterations; total != want {
		return nil, fmt.Errorf("counters sum to %d, want %d", total, want)
	}

	log.Infof("Policy %v: %d operations in %v, sweeps deflated %d monitors", opts.Policy, total, elapsed, swept)
	after := counterTotals(metric.Snapshot())
	res := &stressResult{
		policy:     opts.Policy,
		ops:        total,
		elapsed:    elapsed,
		live:       vm.Table().Len(),
		counters:   make(map[string]int64, len(after)),
		goroutines: goroutines.Value(),
	}
	for name, v := range after {
		res.counters[name] = v - before[name]
	}
	return res, nil
}

// stressStep runs one locked iteration of t on o.
func stressStep(vm *monitor.VM, t *thread.Thread, o *stressObject, i int, p stressParams) error {
	if r := vm.Enter(t, &o.hdr, false); r != monitor.OK {
		return fmt.Errorf("%v: enter: %w", t, r.Err())
	}
	if n := o.inside.Add(1); n != 1 {
		return fmt.Errorf("%v: %d threads inside the critical section", t, n)
	}
	o.count++

	if p.hashEvery > 0 && i%p.hashEvery == 0 {
		h := vm.IdentityHash(t, &o.hdr)
		if !o.hash.CompareAndSwap(0, h) && o.hash.Load() != h {
			return fmt.Errorf("%v: identity hash changed from %#x to %#x", t, o.hash.Load(), h)
		}
	}
	if p.waitEvery > 0 && i%p.waitEvery == 0 {
		o.inside.Add(-1)
		if r := vm.Wait(t, &o.hdr, thread.TimedWaiting, 1, 0, true); r != monitor.OK {
			return fmt.Errorf("%v: wait: %w", t, r.Err())
		}
		if n := o.inside.Add(1); n != 1 {
			return fmt.Errorf("%v: %d threads inside the critical section after wait", t, n)
		}
	}
	if r := vm.Notify(t, &o.hdr); r != monitor.OK {
		return fmt.Errorf("%v: notify: %w", t, r.Err())
	}

	o.inside.Add(-1)
	if r := vm.Exit(t, &o.hdr); r != monitor.OK {
		return fmt.Errorf("%v: exit: %w", t, r.Err())
	}
	return nil
}

func writeStressResults(w io.Writer, results []*stressResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POLICY\tOPS\tELAPSED\tOPS/S\tINFLATED\tDEFLATED\tCONTENDED\tSUSPENDS\tLIVE MONITORS\tGOROUTINES")
	for _, r := range results {
		opsPerSec := float64(r.ops) / r.elapsed.Seconds()
		fmt.Fprintf(tw, "%v\t%d\t%v\t%.0f\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.policy, r.ops, r.elapsed.Round(time.Millisecond), opsPerSec,
			r.counters["/objsync/lock/inflations"],
			r.counters["/objsync/lock/deflations"],
			r.counters["/objsync/lock/contended_enters"],
			r.counters["/objsync/lock/suspend_inflations"],
			r.live, r.goroutines)
	}
	return tw.Flush()
}
