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

// Package scanner implements the background page scanner.
//
// The scanner harvests accessed bits from every registered address space into
// the page queues, ages the queues, deduplicates zero-forked pages against the
// canonical zero page and reclaims idle page tables. All of its background
// activity, and that of the evictor, can be suspended with PushDisable.
//
// Lock order:
//
//	Scanner.disableMu
//	  Scanner.accessedMu
//	    vmo.Object.mu
//	      aspace.AddressSpace.mu
//	        page queue class locks
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/reclaim/pkg/atomicbitops"
	"gvisor.dev/reclaim/pkg/cleanup"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/metric"
	"gvisor.dev/reclaim/pkg/sentry/ktime"
	"gvisor.dev/reclaim/pkg/sentry/vm/aspace"
	"gvisor.dev/reclaim/pkg/sentry/vm/evictor"
	"gvisor.dev/reclaim/pkg/sentry/vm/pmm"
	"gvisor.dev/reclaim/pkg/sync"
)

var (
	zeroScanRequests   = metric.MustCreateNewUint64Metric("/vm/scanner/zero_scan/requests", "Number of zero page scans.")
	zeroScanEmptied    = metric.MustCreateNewUint64Metric("/vm/scanner/zero_scan/queue_emptied", "Number of zero page scans that ran out of candidates.")
	zeroScanConsidered = metric.MustCreateNewUint64Metric("/vm/scanner/zero_scan/total_pages_considered", "Number of zero-fork candidates examined.")
	zeroScanDeduped    = metric.MustCreateNewUint64Metric("/vm/scanner/zero_scan/pages_deduped", "Number of pages replaced by the zero page.")

	accessedScanPasses  = metric.MustCreateNewUint64Metric("/vm/scanner/accessed_scan/passes", "Number of completed accessed scans.")
	accessedScanSkipped = metric.MustCreateNewUint64Metric("/vm/scanner/accessed_scan/aspaces_skipped", "Number of address spaces not harvested by an accessed scan.",
		metric.NewField("reason", []string{"idle", "contended"}))
	pageTablesReclaimed = metric.MustCreateNewUint64Metric("/vm/scanner/page_tables_reclaimed", "Number of idle page tables reclaimed.")
)

// ErrRunning is returned by Run if the scanner goroutine is already running.
var ErrRunning = errors.New("scanner already running")

// Scanner thread operations.
const (
	opPrint uint32 = 1 << iota
	opDisable
	opEnable
	opReclaimAll
	opUpdateHarvestTime
	opEnablePTReclaim
	opDisablePTReclaim
)

// PageTableReclaimPolicy controls the reclamation of idle page tables.
type PageTableReclaimPolicy int

const (
	// PageTableReclaimAlways reclaims idle page tables periodically.
	PageTableReclaimAlways PageTableReclaimPolicy = iota

	// PageTableReclaimNever never reclaims page tables, except through
	// ReclaimAll.
	PageTableReclaimNever

	// PageTableReclaimOnRequest reclaims idle page tables periodically
	// while enabled by EnablePageTableReclaim.
	PageTableReclaimOnRequest
)

// String implements fmt.Stringer.String.
func (p PageTableReclaimPolicy) String() string {
	switch p {
	case PageTableReclaimAlways:
		return "always"
	case PageTableReclaimNever:
		return "never"
	case PageTableReclaimOnRequest:
		return "on_request"
	default:
		return fmt.Sprintf("PageTableReclaimPolicy(%d)", int(p))
	}
}

// ParsePageTableReclaimPolicy parses a policy as produced by
// PageTableReclaimPolicy.String.
func ParsePageTableReclaimPolicy(s string) (PageTableReclaimPolicy, error) {
	for p := PageTableReclaimAlways; p <= PageTableReclaimOnRequest; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PageTableReclaimAlways, fmt.Errorf("unknown page table reclaim policy %q", s)
}

// Defaults for Options.
const (
	DefaultAccessedScanInterval    = 10 * time.Second
	DefaultMinAgingInterval        = 2 * time.Second
	DefaultPageTableEvictionPeriod = 10 * time.Second
)

// Options configures a Scanner.
type Options struct {
	// Clock timestamps scans. If nil, a MonotonicClock is used.
	Clock ktime.Clock

	// StartDisabled starts the scanner with a disable count of one.
	StartDisabled bool

	// EnableEviction enables the evictor, and re-enables it whenever the
	// scanner is re-enabled.
	EnableEviction bool

	// ZeroPageScansPerSecond is the number of zero-fork candidates the
	// scanner goroutine may examine per second. Zero disables periodic
	// zero page scans.
	ZeroPageScansPerSecond uint64

	// AccessedScanInterval is the target time between accessed scans. It
	// is raised to one second over MinAgingInterval if lower.
	AccessedScanInterval time.Duration

	// MinAgingInterval is the minimum time between two agings of the page
	// queues.
	MinAgingInterval time.Duration

	// PageTableReclaim is the page table reclamation policy.
	PageTableReclaim PageTableReclaimPolicy

	// PageTableEvictionPeriod is the time between page table reclamations.
	// It is raised to one second if lower.
	PageTableEvictionPeriod time.Duration

	// Output receives informational output of the scanner goroutine. If
	// nil, the output is logged.
	Output io.Writer
}

// ScanStats describes one accessed scan.
type ScanStats struct {
	// Harvested is false if accessed bits were not harvested because
	// neither eviction nor page table reclamation needed them.
	Harvested bool

	// AddressSpaces is the number of address spaces harvested.
	AddressSpaces uint64

	// Idle is the number of address spaces skipped because they were not
	// accessed since the previous scan.
	Idle uint64

	// Contended is the number of address spaces skipped because they were
	// locked.
	Contended uint64

	aspace.HarvestStats

	// Aged is true if the page queues were aged.
	Aged bool
}

// ReclaimStats describes a ReclaimAll.
type ReclaimStats struct {
	Evicted         uint64
	Deduped         uint64
	TablesReclaimed uint64
}

// Scanner is the page scanner of a node.
type Scanner struct {
	node     *pmm.Node
	registry *aspace.Registry
	evictor  *evictor.Evictor
	clock    ktime.Clock
	out      io.Writer

	enableEviction     bool
	zeroScansPerSecond uint64
	accessedScanPeriod time.Duration
	minAgingInterval   time.Duration
	ptPolicy           PageTableReclaimPolicy
	ptEvictPeriod      time.Duration

	// op holds pending scanner goroutine operations.
	op atomicbitops.Uint32

	// wake is signalled when op changes.
	wake chan struct{}

	// disableMu serializes changes to the disable count. It is held while
	// waiting for the scanner to quiesce, so that a disable and a
	// following enable cannot both be pending in the wrong order.
	disableMu sync.Mutex

	// +checklocks:disableMu
	disableCount uint32

	// threadCtx is the context of the running scanner goroutine, or nil.
	//
	// +checklocks:disableMu
	threadCtx context.Context

	// disabled is signalled once the scanner has quiesced after the
	// disable count became non-zero.
	disabled sync.Event

	// accessedMu is held for the duration of each accessed scan.
	accessedMu sync.Mutex

	// lastAging is the time the queues were last aged.
	//
	// +checklocks:accessedMu
	lastAging ktime.Time

	// lastScan is the completion time of the latest accessed scan, in
	// nanoseconds. It only increases.
	lastScan atomicbitops.Int64

	passes atomicbitops.Uint64

	// reclaimPTNext makes the next accessed scan reclaim idle page tables.
	reclaimPTNext atomicbitops.Bool

	// ptReclaimEnabled is toggled by EnablePageTableReclaim and
	// DisablePageTableReclaim.
	ptReclaimEnabled atomicbitops.Bool

	// zeroBudget paces periodic zero page scans.
	zeroBudget *rate.Limiter
}

// New returns a Scanner for node. Address spaces are found in registry.
func New(node *pmm.Node, registry *aspace.Registry, ev *evictor.Evictor, opts Options) (*Scanner, error) {
	if node == nil || registry == nil || ev == nil {
		return nil, fmt.Errorf("scanner needs a node, a registry and an evictor")
	}
	switch opts.PageTableReclaim {
	case PageTableReclaimAlways, PageTableReclaimNever, PageTableReclaimOnRequest:
	default:
		return nil, fmt.Errorf("invalid page table reclaim policy %v", opts.PageTableReclaim)
	}
	clock := opts.Clock
	if clock == nil {
		clock = ktime.NewMonotonicClock()
	}
	s := &Scanner{
		node:               node,
		registry:           registry,
		evictor:            ev,
		clock:              clock,
		out:                opts.Output,
		enableEviction:     opts.EnableEviction,
		zeroScansPerSecond: opts.ZeroPageScansPerSecond,
		minAgingInterval:   opts.MinAgingInterval,
		ptPolicy:           opts.PageTableReclaim,
		ptEvictPeriod:      max(opts.PageTableEvictionPeriod, time.Second),
		accessedScanPeriod: max(opts.MinAgingInterval+time.Second, opts.AccessedScanInterval),
		wake:               make(chan struct{}, 1),
		lastAging:          clock.Now(),
		lastScan:           atomicbitops.FromInt64(ktime.MinTime.Nanoseconds()),
	}
	if s.zeroScansPerSecond > 0 {
		burst := int(min(s.zeroScansPerSecond, math.MaxInt32))
		s.zeroBudget = rate.NewLimiter(rate.Limit(s.zeroScansPerSecond), burst)
	}
	if opts.EnableEviction {
		ev.EnableEviction()
	}
	if opts.StartDisabled {
		s.PushDisable()
	}
	return s, nil
}

// signal wakes the scanner goroutine.
func (s *Scanner) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// request queues ops for the scanner goroutine.
func (s *Scanner) request(ops uint32) {
	s.op.Or(ops)
	s.signal()
}

// printf writes informational output.
func (s *Scanner) printf(format string, args ...any) {
	if s.out != nil {
		fmt.Fprintf(s.out, format+"\n", args...)
		return
	}
	log.Infof(format, args...)
}

// LastScan returns the completion time of the latest accessed scan, or
// ktime.MinTime if there has been none.
func (s *Scanner) LastScan() ktime.Time {
	return ktime.FromNanoseconds(s.lastScan.Load())
}

// PassCount returns the number of completed accessed scans.
func (s *Scanner) PassCount() uint64 {
	return s.passes.Load()
}

// RunScanPass performs an accessed scan now, after any scan in progress.
func (s *Scanner) RunScanPass() ScanStats {
	s.accessedMu.Lock()
	defer s.accessedMu.Unlock()
	return s.scanLocked(true)
}

// WaitForScan returns once an accessed scan has completed at or after t. If
// the latest scan already satisfies this, it returns immediately. Otherwise
// it waits for a scan in progress and, if that is not recent enough either,
// performs a scan itself.
func (s *Scanner) WaitForScan(t ktime.Time) {
	if !s.LastScan().Before(t) {
		return
	}
	s.accessedMu.Lock()
	defer s.accessedMu.Unlock()
	// A scan may have completed while we were blocked.
	if !s.LastScan().Before(t) {
		return
	}
	s.scanLocked(false)
}

// scanLocked performs an accessed scan. Unless force is set, harvesting is
// skipped when neither eviction nor page table reclamation would use it.
//
// Preconditions: s.accessedMu must be locked.
func (s *Scanner) scanLocked(force bool) ScanStats {
	var stats ScanStats
	reclaimPT := s.reclaimPTNext.Swap(false)
	if force || reclaimPT || s.evictor.IsEvictionEnabled() {
		stats.Harvested = true
		touch := s.node.Queues().Touch
		for _, as := range s.registry.Snapshot() {
			if !as.AccessedSinceLastCheck(true) && !reclaimPT && !as.IsHighPriority() {
				stats.Idle++
				continue
			}
			hs, ok := as.HarvestAccessed(touch, reclaimPT)
			if !ok {
				stats.Contended++
				continue
			}
			stats.AddressSpaces++
			stats.Scanned += hs.Scanned
			stats.Accessed += hs.Accessed
			stats.Unmapped += hs.Unmapped
			stats.TablesReclaimed += hs.TablesReclaimed
		}
	}

	now := s.clock.Now()
	if now.Sub(s.lastAging) >= s.minAgingInterval {
		s.node.Queues().AgeAll()
		s.lastAging = now
		stats.Aged = true
	}
	if now.After(s.LastScan()) {
		s.lastScan.Store(now.Nanoseconds())
	}
	s.passes.Add(1)

	accessedScanPasses.Increment()
	accessedScanSkipped.IncrementBy(stats.Idle, "idle")
	accessedScanSkipped.IncrementBy(stats.Contended, "contended")
	pageTablesReclaimed.IncrementBy(stats.TablesReclaimed)
	log.Debugf("[SCAN]: accessed scan: %+v", stats)
	return stats
}

// ScanForZeroPages examines up to limit zero-fork candidates, replacing those
// whose contents are entirely zero with the canonical zero page. It returns
// the number of pages deduplicated.
func (s *Scanner) ScanForZeroPages(limit uint64) uint64 {
	_, deduped := s.zeroScan(limit)
	return deduped
}

func (s *Scanner) zeroScan(limit uint64) (considered, deduped uint64) {
	zeroScanRequests.Increment()
	qs := s.node.Queues()
	for considered = 0; considered < limit; considered++ {
		p := qs.PopZeroFork()
		if p == nil {
			zeroScanEmptied.Increment()
			break
		}
		bl := p.Backlink()
		if bl == nil {
			// Freed by its owner after it was queued.
			continue
		}
		if bl.Owner.DedupZeroPage(p, bl.Offset) {
			deduped++
		}
	}
	zeroScanConsidered.IncrementBy(considered)
	zeroScanDeduped.IncrementBy(deduped)
	return considered, deduped
}

// PageTableReclaimEnabled returns true if idle page tables are reclaimed
// periodically.
func (s *Scanner) PageTableReclaimEnabled() bool {
	switch s.ptPolicy {
	case PageTableReclaimAlways:
		return true
	case PageTableReclaimNever:
		return false
	case PageTableReclaimOnRequest:
		return s.ptReclaimEnabled.Load()
	default:
		panic(fmt.Sprintf("unknown page table reclaim policy %d", int(s.ptPolicy)))
	}
}

// PageTableReclaimPolicy returns the page table reclamation policy.
func (s *Scanner) PageTableReclaimPolicy() PageTableReclaimPolicy {
	return s.ptPolicy
}

// EnablePageTableReclaim turns on periodic page table reclamation. It has no
// effect unless the policy is PageTableReclaimOnRequest.
func (s *Scanner) EnablePageTableReclaim() {
	if s.ptPolicy != PageTableReclaimOnRequest {
		return
	}
	s.ptReclaimEnabled.Store(true)
	s.request(opEnablePTReclaim)
}

// DisablePageTableReclaim reverses EnablePageTableReclaim.
func (s *Scanner) DisablePageTableReclaim() {
	if s.ptPolicy != PageTableReclaimOnRequest {
		return
	}
	s.ptReclaimEnabled.Store(false)
	s.request(opDisablePTReclaim)
}

// quiesce stops eviction and aging and waits for an accessed scan in
// progress.
func (s *Scanner) quiesce() {
	s.evictor.DisableEviction()
	s.node.Queues().DisableAging()
	s.accessedMu.Lock()
	s.accessedMu.Unlock()
	s.disabled.Signal()
}

// resume reverses quiesce.
func (s *Scanner) resume() {
	s.node.Queues().EnableAging()
	if s.enableEviction {
		s.evictor.EnableEviction()
	}
}

// PushDisable increments the disable count. When the count leaves zero, it
// stops eviction, aging and background scanning and waits until they have
// quiesced.
//
// Preconditions: the caller must not hold locks needed by the scanner or the
// evictor.
func (s *Scanner) PushDisable() {
	s.disableMu.Lock()
	defer s.disableMu.Unlock()
	s.disableCount++
	if s.disableCount > 1 {
		// Already quiesced.
		return
	}
	if s.threadCtx == nil {
		s.quiesce()
		return
	}
	s.request(opDisable)
	if err := s.disabled.WaitContext(s.threadCtx); err != nil {
		// The scanner goroutine exited before handling the request.
		s.quiesce()
	}
}

// PopDisable decrements the disable count. When the count reaches zero,
// background activity resumes.
func (s *Scanner) PopDisable() {
	s.disableMu.Lock()
	defer s.disableMu.Unlock()
	if s.disableCount == 0 {
		panic("scanner: PopDisable without PushDisable")
	}
	s.disableCount--
	if s.disableCount > 0 {
		return
	}
	s.disabled.Unsignal()
	if s.threadCtx == nil {
		s.resume()
		return
	}
	s.request(opEnable)
}

// Disabled disables the scanner until the returned Cleanup is cleaned.
//
// Usage:
//
//	cu := s.Disabled()
//	defer cu.Clean()
func (s *Scanner) Disabled() cleanup.Cleanup {
	s.PushDisable()
	return cleanup.Make(s.PopDisable)
}

// DisableCount returns the current disable count.
func (s *Scanner) DisableCount() uint32 {
	s.disableMu.Lock()
	defer s.disableMu.Unlock()
	return s.disableCount
}

// ReclaimAll evicts every evictable page, reclaims idle page tables and
// deduplicates every zero-fork candidate. If the scanner is disabled, the
// request is left for the scanner goroutine to perform once it is enabled,
// and ok is false.
func (s *Scanner) ReclaimAll() (stats ReclaimStats, ok bool) {
	if s.DisableCount() > 0 {
		s.request(opReclaimAll | opPrint)
		return stats, false
	}
	return s.reclaimAll(), true
}

func (s *Scanner) reclaimAll() ReclaimStats {
	var stats ReclaimStats
	stats.Evicted = s.evictor.EvictLevel(math.MaxUint64, evictor.IncludeNewest)
	s.reclaimPTNext.Store(true)
	stats.TablesReclaimed = s.RunScanPass().TablesReclaimed
	_, stats.Deduped = s.zeroScan(math.MaxUint64)
	return stats
}

// Dump writes the scanner state and page queue statistics to w.
func (s *Scanner) Dump(w io.Writer) {
	if n := s.DisableCount(); n > 0 {
		fmt.Fprintf(w, "[SCAN]: Scanner disabled with disable count of %d\n", n)
	} else {
		fmt.Fprintf(w, "[SCAN]: Scanner enabled\n")
	}
	fmt.Fprintf(w, "[SCAN]: %d accessed scans, last completed at %v\n", s.PassCount(), s.LastScan())
	fmt.Fprintf(w, "[SCAN]: page table reclamation %v, enabled %t\n", s.ptPolicy, s.PageTableReclaimEnabled())
	fmt.Fprintf(w, "[SCAN]: eviction enabled %t, %+v\n", s.evictor.IsEvictionEnabled(), s.evictor.Stats())
	fmt.Fprintf(w, "[SCAN]: %d of %d frames free, %d zero page shares\n", s.node.FreeFrames(), s.node.TotalFrames(), s.node.ZeroShares())
	s.node.Queues().Dump(w)
}

// Run runs the scanner goroutine until ctx is done. It performs accessed
// scans, page table reclamation and zero page scans on their schedules and
// services disable requests.
func (s *Scanner) Run(ctx context.Context) error {
	s.disableMu.Lock()
	if s.threadCtx != nil {
		s.disableMu.Unlock()
		return ErrRunning
	}
	s.threadCtx = ctx
	// The count was applied inline while no goroutine was running.
	s.op.And(^(opDisable | opEnable))
	disabled := s.disableCount > 0
	s.disableMu.Unlock()

	defer func() {
		s.disableMu.Lock()
		s.threadCtx = nil
		s.disableMu.Unlock()
	}()
	s.loop(ctx, disabled)
	return nil
}

func (s *Scanner) nextZeroScanDeadline(now ktime.Time) ktime.Time {
	if s.zeroScansPerSecond == 0 {
		return ktime.MaxTime
	}
	return now.Add(time.Second)
}

func (s *Scanner) nextPTEvictDeadline(last ktime.Time) ktime.Time {
	if !s.PageTableReclaimEnabled() {
		return ktime.MaxTime
	}
	return last.Add(s.ptEvictPeriod)
}

// zeroScanLimit returns the number of candidates a periodic zero page scan
// may examine at now.
func (s *Scanner) zeroScanLimit(now ktime.Time) uint64 {
	tokens := s.zeroBudget.TokensAt(time.Unix(0, now.Nanoseconds()))
	if tokens < 1 {
		return 0
	}
	return uint64(tokens)
}

func earliest(ts ...ktime.Time) ktime.Time {
	e := ktime.MaxTime
	for _, t := range ts {
		if t.Before(e) {
			e = t
		}
	}
	return e
}

func (s *Scanner) loop(ctx context.Context, disabled bool) {
	var (
		lastPTEvict  = ktime.MinTime
		now          = s.clock.Now()
		nextZeroScan = s.nextZeroScanDeadline(now)
		nextHarvest  = now.Add(s.accessedScanPeriod)
		timer        = time.NewTimer(time.Hour)
	)
	defer timer.Stop()
	for {
		var expired <-chan time.Time
		if !disabled {
			deadline := earliest(s.nextPTEvictDeadline(lastPTEvict), nextZeroScan, nextHarvest)
			if deadline != ktime.MaxTime {
				timer.Reset(max(deadline.Sub(s.clock.Now()), 0))
				expired = timer.C
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-expired:
		}
		if ctx.Err() != nil {
			return
		}

		op := s.op.Swap(0)
		// Enable and disable may both be pending if the count went
		// 1->0->1, in which case we must stay disabled. 0->1->0 is
		// impossible since PushDisable holds disableMu until we have
		// quiesced.
		if op&opEnable != 0 {
			op &^= opEnable
			s.resume()
			disabled = false
		}
		if op&opDisable != 0 {
			op &^= opDisable
			disabled = true
			s.quiesce()
		}
		if disabled {
			s.op.Or(op)
			continue
		}

		current := s.clock.Now()
		if !current.Before(s.nextPTEvictDeadline(lastPTEvict)) || op&opReclaimAll != 0 {
			// Pair page table reclamation with the next accessed scan,
			// making sure one happened since the previous reclamation.
			s.WaitForScan(lastPTEvict)
			s.reclaimPTNext.Store(true)
			lastPTEvict = current
		}

		// Scans may have happened by other means while we slept.
		nextHarvest = s.LastScan().Add(s.accessedScanPeriod)
		if !current.Before(nextHarvest) {
			s.WaitForScan(nextHarvest)
			op |= opUpdateHarvestTime
		}

		verbose := op&opPrint != 0
		op &^= opPrint
		reclaimAll := op&opReclaimAll != 0
		if reclaimAll {
			op &^= opReclaimAll
			stats := s.reclaimAll()
			if verbose {
				s.printf("[SCAN]: Reclaimed everything: %+v", stats)
			}
			nextZeroScan = s.nextZeroScanDeadline(current)
		}
		if op&opEnablePTReclaim != 0 {
			op &^= opEnablePTReclaim
			log.Infof("[SCAN]: page table reclamation enabled")
		}
		if op&opDisablePTReclaim != 0 {
			op &^= opDisablePTReclaim
			log.Infof("[SCAN]: page table reclamation disabled")
		}
		if op&opUpdateHarvestTime != 0 {
			op &^= opUpdateHarvestTime
			nextHarvest = s.LastScan().Add(s.accessedScanPeriod)
		}
		if !current.Before(nextZeroScan) && !reclaimAll {
			t := time.Unix(0, current.Nanoseconds())
			if limit := s.zeroScanLimit(current); limit > 0 {
				considered, deduped := s.zeroScan(limit)
				s.zeroBudget.AllowN(t, int(considered))
				if verbose {
					s.printf("[SCAN]: De-duped %d pages that were recently forked from the zero page", deduped)
				}
			}
			nextZeroScan = s.nextZeroScanDeadline(current)
		}
		if op != 0 {
			panic(fmt.Sprintf("unhandled scanner operations %#x", op))
		}
	}
}
