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

// Package evictor frees memory under pressure by reclaiming the least
// recently used evictable pages.
package evictor

import (
	"fmt"
	"math"

	"gvisor.dev/reclaim/pkg/atomicbitops"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/metric"
	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sentry/vm/pmm"
	"gvisor.dev/reclaim/pkg/sync"
)

var (
	requestsMetric = metric.MustCreateNewUint64Metric("/vm/evictor/requests", "Number of eviction requests serviced.")
	evictedMetric  = metric.MustCreateNewUint64Metric("/vm/evictor/pages_evicted", "Number of frames freed by eviction.")
	requeuedMetric = metric.MustCreateNewUint64Metric("/vm/evictor/pages_requeued", "Number of eviction candidates returned to their queue because they were pinned or ineligible.")
)

// Level bounds how young a page eviction may reclaim.
type Level int

const (
	// OnlyOldest never evicts pages from the youngest generation.
	OnlyOldest Level = iota

	// IncludeNewest evicts from every generation.
	IncludeNewest
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case OnlyOldest:
		return "only_oldest"
	case IncludeNewest:
		return "include_newest"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// PressureLevel is a leveled memory pressure indication.
type PressureLevel int32

const (
	// Normal means no reclamation is needed.
	Normal PressureLevel = iota

	// Warning asks for reclamation of old pages.
	Warning

	// Critical asks for reclamation of any evictable page.
	Critical

	// OutOfMemory is Critical with the highest free page target.
	OutOfMemory
)

// String implements fmt.Stringer.String.
func (l PressureLevel) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case OutOfMemory:
		return "out_of_memory"
	default:
		return fmt.Sprintf("PressureLevel(%d)", int32(l))
	}
}

// ParsePressureLevel parses a level as produced by PressureLevel.String.
func ParsePressureLevel(s string) (PressureLevel, error) {
	for l := Normal; l <= OutOfMemory; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return Normal, fmt.Errorf("unknown pressure level %q", s)
}

// Watermarks are the free frame counts that eviction restores at each
// pressure level.
type Watermarks struct {
	Warning     uint64
	Critical    uint64
	OutOfMemory uint64
}

// DefaultOrder is the default class eviction order: clean pager-backed pages
// need no writeback, so they go first.
var DefaultOrder = []page.Class{page.PagerBacked, page.Discardable}

// DefaultBatch is the default number of candidates taken from a queue at
// once.
const DefaultBatch = 64

// Options configures an Evictor.
type Options struct {
	// Order is the order in which classes are drained. Every class must be
	// evictable. If empty, DefaultOrder is used.
	Order []page.Class

	// Batch is the number of candidates taken per queue operation. If
	// zero, DefaultBatch is used.
	Batch int

	// Watermarks are used by SetPressure.
	Watermarks Watermarks
}

// Stats counts the work done by an Evictor.
type Stats struct {
	Requests uint64
	Evicted  uint64
	Requeued uint64
}

type request struct {
	target uint64
	level  Level
}

// Evictor reclaims evictable pages from a node's queues.
type Evictor struct {
	node *pmm.Node

	// enabled gates every eviction.
	enabled atomicbitops.Bool

	// evictMu is held for the duration of each eviction, so that
	// DisableEviction can wait for an in-flight eviction to finish.
	evictMu sync.Mutex

	// orderMu protects order and batch.
	orderMu sync.Mutex
	order   []page.Class
	batch   int

	watermarks Watermarks
	pressure   atomicbitops.Int32

	// mu protects the fields below.
	mu sync.Mutex

	// pending is the accumulated asynchronous request.
	//
	// +checklocks:mu
	pending request

	// +checklocks:mu
	hasPending bool

	// +checklocks:mu
	stop chan struct{}

	// +checklocks:mu
	done chan struct{}

	// wake is signalled when a request is pending.
	wake chan struct{}

	requests atomicbitops.Uint64
	evicted  atomicbitops.Uint64
	requeued atomicbitops.Uint64
}

// New returns a disabled Evictor for node.
func New(node *pmm.Node, opts Options) (*Evictor, error) {
	e := &Evictor{
		node:       node,
		watermarks: opts.Watermarks,
		wake:       make(chan struct{}, 1),
	}
	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	if err := e.SetOrder(order); err != nil {
		return nil, err
	}
	e.batch = opts.Batch
	if e.batch <= 0 {
		e.batch = DefaultBatch
	}
	return e, nil
}

// SetOrder changes the class eviction order.
func (e *Evictor) SetOrder(order []page.Class) error {
	seen := make(map[page.Class]bool)
	for _, c := range order {
		if !c.Valid() || !c.Evictable() {
			return fmt.Errorf("class %v is not evictable", c)
		}
		if seen[c] {
			return fmt.Errorf("class %v listed twice", c)
		}
		seen[c] = true
	}
	e.orderMu.Lock()
	defer e.orderMu.Unlock()
	e.order = append([]page.Class(nil), order...)
	return nil
}

// Order returns the class eviction order.
func (e *Evictor) Order() []page.Class {
	e.orderMu.Lock()
	defer e.orderMu.Unlock()
	return append([]page.Class(nil), e.order...)
}

// EnableEviction allows eviction.
func (e *Evictor) EnableEviction() {
	e.enabled.Store(true)
}

// DisableEviction prevents further eviction and waits for an in-flight
// eviction to finish.
func (e *Evictor) DisableEviction() {
	e.enabled.Store(false)
	e.evictMu.Lock()
	e.evictMu.Unlock()
}

// IsEvictionEnabled returns true if eviction is enabled.
func (e *Evictor) IsEvictionEnabled() bool {
	return e.enabled.Load()
}

// Evict frees up to target frames from any generation. It returns the number
// of frames freed.
func (e *Evictor) Evict(target uint64) uint64 {
	return e.EvictLevel(target, IncludeNewest)
}

// EvictLevel frees up to target frames, walking classes in the configured
// order. It examines at most as many candidates per class as the class held
// when the walk of that class started, so it always terminates. It returns
// the number of frames freed, which may be zero.
func (e *Evictor) EvictLevel(target uint64, level Level) uint64 {
	if target == 0 || !e.enabled.Load() {
		return 0
	}
	e.evictMu.Lock()
	defer e.evictMu.Unlock()
	// Recheck: DisableEviction may have raced with the check above.
	if !e.enabled.Load() {
		return 0
	}
	e.requests.Add(1)
	requestsMetric.Increment()

	e.orderMu.Lock()
	order, batch := e.order, e.batch
	e.orderMu.Unlock()

	var freed uint64
	for _, c := range order {
		if freed >= target {
			break
		}
		freed += e.evictClass(c, target-freed, level, batch)
	}
	return freed
}

// evictClass frees up to want frames from class c.
//
// Preconditions: e.evictMu must be locked.
func (e *Evictor) evictClass(c page.Class, want uint64, level Level, batch int) uint64 {
	qs := e.node.Queues()
	budget := qs.Len(c)
	var (
		freed   uint64
		requeue []*page.Page
	)
	for freed < want && budget > 0 {
		n := batch
		if uint64(n) > budget {
			n = int(budget)
		}
		cands := qs.TakeOldestLevel(c, n, level == IncludeNewest)
		if len(cands) == 0 {
			break
		}
		budget -= uint64(len(cands))
		for i, p := range cands {
			if freed >= want {
				// Target reached; put back what was taken.
				requeue = append(requeue, cands[i:]...)
				break
			}
			switch res := e.evictOne(p); res.Status {
			case page.Evicted:
				freed += res.Freed
			case page.Pinned, page.Ineligible:
				requeue = append(requeue, p)
			case page.Stale:
			default:
				panic(fmt.Sprintf("unknown evict status %d", int(res.Status)))
			}
		}
	}
	// Returning to the front of each generation in reverse keeps the
	// original order.
	var returned uint64
	for i := len(requeue) - 1; i >= 0; i-- {
		if qs.Return(requeue[i]) {
			returned++
		}
	}
	e.evicted.Add(freed)
	evictedMetric.IncrementBy(freed)
	e.requeued.Add(returned)
	requeuedMetric.IncrementBy(returned)
	if freed > 0 || returned > 0 {
		log.Debugf("[EVICT]: %v: freed %d frames, requeued %d pages", c, freed, returned)
	}
	return freed
}

// evictOne asks p's owner to evict it.
func (e *Evictor) evictOne(p *page.Page) page.EvictResult {
	switch s := p.State(); s {
	case page.Object:
	case page.Free:
		// Freed by its owner after it was taken.
		return page.EvictResult{Status: page.Stale}
	case page.Alloc, page.Zero, page.Wired, page.Reserved:
		panic(fmt.Sprintf("eviction candidate %v in state %v", p, s))
	default:
		panic(fmt.Sprintf("unknown page state %d", uint32(s)))
	}
	bl := p.Backlink()
	if bl == nil {
		// Being freed by its owner.
		return page.EvictResult{Status: page.Stale}
	}
	return bl.Owner.EvictPage(p, bl.Offset)
}

// Stats returns the work done by e so far.
func (e *Evictor) Stats() Stats {
	return Stats{
		Requests: e.requests.Load(),
		Evicted:  e.evicted.Load(),
		Requeued: e.requeued.Load(),
	}
}

// EvictAsynchronous asks the evictor goroutine to free target frames at the
// given level. Requests made before the previous one was serviced are
// combined: targets add up and the most aggressive level wins.
func (e *Evictor) EvictAsynchronous(target uint64, level Level) {
	if target == 0 {
		return
	}
	e.mu.Lock()
	if e.hasPending {
		if e.pending.target > math.MaxUint64-target {
			e.pending.target = math.MaxUint64
		} else {
			e.pending.target += target
		}
		e.pending.level = max(e.pending.level, level)
	} else {
		e.pending = request{target: target, level: level}
		e.hasPending = true
	}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// targetFor returns the number of frames to free to reach the watermark of
// level l.
func (e *Evictor) targetFor(l PressureLevel) uint64 {
	var wm uint64
	switch l {
	case Normal:
		return 0
	case Warning:
		wm = e.watermarks.Warning
	case Critical:
		wm = e.watermarks.Critical
	case OutOfMemory:
		wm = e.watermarks.OutOfMemory
	default:
		panic(fmt.Sprintf("unknown pressure level %d", int32(l)))
	}
	free := e.node.FreeFrames()
	if free >= wm {
		return 0
	}
	return wm - free
}

// SetPressure records the current pressure level and, above Normal, requests
// enough asynchronous eviction to restore that level's watermark. Warning
// only evicts pages older than the youngest generation.
func (e *Evictor) SetPressure(l PressureLevel) {
	prev := PressureLevel(e.pressure.Load())
	e.pressure.Store(int32(l))
	if prev != l {
		log.Infof("[EVICT]: memory pressure %v -> %v, %d free frames", prev, l, e.node.FreeFrames())
	}
	target := e.targetFor(l)
	if target == 0 {
		return
	}
	level := IncludeNewest
	if l == Warning {
		level = OnlyOldest
	}
	e.EvictAsynchronous(target, level)
}

// Pressure returns the last level passed to SetPressure.
func (e *Evictor) Pressure() PressureLevel {
	return PressureLevel(e.pressure.Load())
}

// Start starts the evictor goroutine, which services EvictAsynchronous
// requests. It is a no-op if the goroutine is already running.
func (e *Evictor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.stop, e.done)
}

// Stop stops the evictor goroutine and waits for it to exit.
func (e *Evictor) Stop() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (e *Evictor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-e.wake:
		}
		e.mu.Lock()
		req, ok := e.pending, e.hasPending
		e.hasPending = false
		e.mu.Unlock()
		if !ok {
			continue
		}
		freed := e.EvictLevel(req.target, req.level)
		log.Debugf("[EVICT]: asynchronous request for %d frames at %v freed %d", req.target, req.level, freed)
	}
}
