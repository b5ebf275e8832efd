// Copyright 2023 The gVisor Authors.
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

// Package vm ties the page reclamation subsystem together.
//
// A System owns a frame allocator, the physical memory node and its page
// queues, the address space registry, the evictor and the scanner. It starts
// and stops their goroutines and feeds memory pressure to the evictor.
package vm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/reclaim/pkg/cleanup"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/metric"
	"gvisor.dev/reclaim/pkg/sentry/hostmm"
	"gvisor.dev/reclaim/pkg/sentry/pgalloc"
	"gvisor.dev/reclaim/pkg/sentry/usage"
	"gvisor.dev/reclaim/pkg/sentry/vm/aspace"
	"gvisor.dev/reclaim/pkg/sentry/vm/evictor"
	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sentry/vm/pmm"
	"gvisor.dev/reclaim/pkg/sentry/vm/scanner"
	"gvisor.dev/reclaim/pkg/sync"
)

// active is the System reported by the /vm gauges.
var active atomic.Pointer[System]

func activeValue(f func(*System) uint64) func(...string) uint64 {
	return func(...string) uint64 {
		if s := active.Load(); s != nil {
			return f(s)
		}
		return 0
	}
}

func classNames() []string {
	names := make([]string, 0, page.NumClasses)
	for c := page.Class(0); c < page.NumClasses; c++ {
		names = append(names, c.String())
	}
	return names
}

func init() {
	metric.MustRegisterCustomUint64Metric("/vm/free_frames", false, "Number of free frames.",
		activeValue(func(s *System) uint64 { return s.node.FreeFrames() }))
	metric.MustRegisterCustomUint64Metric("/vm/total_frames", false, "Number of frames.",
		activeValue(func(s *System) uint64 { return s.node.TotalFrames() }))
	metric.MustRegisterCustomUint64Metric("/vm/zero_page_shares", false, "Number of logical pages backed by the canonical zero page.",
		activeValue(func(s *System) uint64 { return s.node.ZeroShares() }))
	metric.MustRegisterCustomUint64Metric("/vm/pressure_level", false, "Current memory pressure level.",
		activeValue(func(s *System) uint64 { return uint64(s.evictor.Pressure()) }))
	metric.MustRegisterCustomUint64Metric("/vm/queued_pages", false, "Number of pages tracked per queue class.",
		func(fields ...string) uint64 {
			s := active.Load()
			if s == nil {
				return 0
			}
			c, err := page.ParseClass(fields[0])
			if err != nil {
				panic(fmt.Sprintf("metric field %q: %v", fields[0], err))
			}
			return s.node.Queues().Len(c)
		},
		metric.NewField("class", classNames()))
}

// ErrStarted is returned by Start if the System is already running.
var ErrStarted = errors.New("vm system already started")

// PressureThresholds are the free frame counts at or below which each
// pressure level applies. Zero disables a level.
type PressureThresholds struct {
	Warning     uint64
	Critical    uint64
	OutOfMemory uint64
}

// Level returns the pressure level for free frames.
func (t PressureThresholds) Level(free uint64) evictor.PressureLevel {
	switch {
	case t.OutOfMemory > 0 && free <= t.OutOfMemory:
		return evictor.OutOfMemory
	case t.Critical > 0 && free <= t.Critical:
		return evictor.Critical
	case t.Warning > 0 && free <= t.Warning:
		return evictor.Warning
	default:
		return evictor.Normal
	}
}

func (t PressureThresholds) enabled() bool {
	return t != PressureThresholds{}
}

// DefaultPressurePollInterval is the default PressurePollInterval.
const DefaultPressurePollInterval = 100 * time.Millisecond

// Options configures a System.
type Options struct {
	// Frames is the number of frames of memory.
	Frames uint64

	// Evictor configures the evictor.
	Evictor evictor.Options

	// Scanner configures the scanner.
	Scanner scanner.Options

	// PressureThresholds drive the free memory pressure watcher. If all
	// are zero, the watcher does not run.
	PressureThresholds PressureThresholds

	// PressurePollInterval is the interval at which the pressure watcher
	// samples free memory.
	PressurePollInterval time.Duration

	// MemcgPressure subscribes to memory pressure notifications of the
	// host memory cgroup.
	MemcgPressure bool
}

// System is the page reclamation subsystem.
type System struct {
	opts       Options
	accounting usage.MemoryLocked
	mf         *pgalloc.MemoryFile
	node       *pmm.Node
	registry   aspace.Registry
	evictor    *evictor.Evictor
	scanner    *scanner.Scanner

	// mu protects the fields below.
	mu sync.Mutex

	// +checklocks:mu
	cancel context.CancelFunc

	// +checklocks:mu
	g *errgroup.Group

	// stopMemcg terminates host memory cgroup notifications.
	//
	// +checklocks:mu
	stopMemcg []func()
}

// New creates a System. Its goroutines are not started until Start.
func New(opts Options) (*System, error) {
	s := &System{opts: opts}
	if s.opts.PressurePollInterval <= 0 {
		s.opts.PressurePollInterval = DefaultPressurePollInterval
	}
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: opts.Frames}, &s.accounting)
	if err != nil {
		return nil, fmt.Errorf("creating memory file: %w", err)
	}
	cu := cleanup.Make(func() {
		if err := mf.Destroy(); err != nil {
			log.Warningf("Destroying memory file: %v", err)
		}
	})
	defer cu.Clean()

	s.mf = mf
	s.node = pmm.NewNode(mf, page.NewQueues())
	if s.evictor, err = evictor.New(s.node, opts.Evictor); err != nil {
		return nil, fmt.Errorf("creating evictor: %w", err)
	}
	if s.scanner, err = scanner.New(s.node, &s.registry, s.evictor, opts.Scanner); err != nil {
		return nil, fmt.Errorf("creating scanner: %w", err)
	}
	cu.Release()
	return s, nil
}

// Node returns the physical memory node.
func (s *System) Node() *pmm.Node { return s.node }

// Registry returns the registry of address spaces visited by the scanner.
func (s *System) Registry() *aspace.Registry { return &s.registry }

// Evictor returns the evictor.
func (s *System) Evictor() *evictor.Evictor { return s.evictor }

// Scanner returns the scanner.
func (s *System) Scanner() *scanner.Scanner { return s.scanner }

// Usage returns the memory charged for used frames, by kind, and the total.
func (s *System) Usage() (usage.MemoryStats, uint64) {
	return s.accounting.Copy()
}

// NewAddressSpace returns a new address space registered with the scanner.
func (s *System) NewAddressSpace(name string) *aspace.AddressSpace {
	as := aspace.New(name)
	s.registry.Register(as)
	return as
}

// DestroyAddressSpace unregisters and destroys as.
func (s *System) DestroyAddressSpace(as *aspace.AddressSpace) {
	s.registry.Unregister(as)
	as.Destroy()
}

// Start starts the scanner, the evictor and the pressure sources. They run
// until Shutdown.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g != nil {
		return ErrStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.g = g

	s.evictor.Start()
	g.Go(func() error {
		return s.scanner.Run(gctx)
	})
	if s.opts.PressureThresholds.enabled() {
		// Created here rather than in New so that it follows log.SetTarget.
		pressureLog := log.BasicRateLimitedLogger(10 * time.Second)
		g.Go(func() error {
			s.watchPressure(gctx, pressureLog)
			return nil
		})
	}
	if s.opts.MemcgPressure {
		s.stopMemcg = s.subscribeMemcg()
	}
	active.Store(s)
	log.Infof("VM system started: %d frames, scanner disable count %d", s.node.TotalFrames(), s.scanner.DisableCount())
	return nil
}

// subscribeMemcg requests host memory cgroup pressure notifications. A host
// without memory cgroup v1 support is not an error.
func (s *System) subscribeMemcg() []func() {
	var stops []func()
	for _, l := range []struct {
		memcg string
		level evictor.PressureLevel
	}{
		{hostmm.PressureMedium, evictor.Warning},
		{hostmm.PressureCritical, evictor.Critical},
	} {
		level := l.level
		stop, err := hostmm.NotifyCurrentMemcgPressureCallback(func() {
			log.Debugf("Host memory cgroup pressure at level %v", level)
			s.evictor.SetPressure(level)
		}, l.memcg)
		if err != nil {
			log.Warningf("Host memory pressure notifications at level %q unavailable: %v", l.memcg, err)
			continue
		}
		stops = append(stops, stop)
	}
	return stops
}

// watchPressure samples free memory and forwards changes in the pressure
// level to the evictor until ctx is done.
func (s *System) watchPressure(ctx context.Context, pressureLog log.Logger) {
	ticker := time.NewTicker(s.opts.PressurePollInterval)
	defer ticker.Stop()
	last := evictor.Normal
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l := s.opts.PressureThresholds.Level(s.node.FreeFrames())
		// Requests are repeated while pressure persists, since the
		// previous request may have freed too little.
		if l != last || l != evictor.Normal {
			s.evictor.SetPressure(l)
		}
		if l != evictor.Normal && l == last {
			pressureLog.Warningf("Memory pressure %v persists with %d free frames", l, s.node.FreeFrames())
		}
		last = l
	}
}

// Shutdown stops every goroutine started by Start and releases all memory.
// Address spaces and objects must not be used afterwards.
func (s *System) Shutdown() error {
	s.mu.Lock()
	cancel, g, stops := s.cancel, s.g, s.stopMemcg
	s.cancel, s.g, s.stopMemcg = nil, nil, nil
	s.mu.Unlock()

	active.CompareAndSwap(s, nil)
	var err error
	if g != nil {
		for _, stop := range stops {
			stop()
		}
		cancel()
		err = g.Wait()
		s.evictor.Stop()
	}
	for _, as := range s.registry.Snapshot() {
		s.DestroyAddressSpace(as)
	}
	if derr := s.mf.Destroy(); derr != nil && err == nil {
		err = derr
	}
	log.Infof("VM system shut down")
	return err
}
