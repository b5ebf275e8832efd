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

package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/sentry/ktime"
	"gvisor.dev/reclaim/pkg/sentry/pgalloc"
	"gvisor.dev/reclaim/pkg/sentry/vm/aspace"
	"gvisor.dev/reclaim/pkg/sentry/vm/evictor"
	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sentry/vm/pmm"
	"gvisor.dev/reclaim/pkg/sentry/vm/vmo"
	"gvisor.dev/reclaim/pkg/test/testutil"
)

const base = hostarch.Addr(0x40000000)

type testEnv struct {
	node     *pmm.Node
	registry *aspace.Registry
	evictor  *evictor.Evictor
	clock    *ktime.ManualClock
	s        *Scanner
}

func newTestEnv(t *testing.T, frames uint64, opts Options) *testEnv {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: frames}, nil)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	env := &testEnv{
		node:     pmm.NewNode(mf, page.NewQueues()),
		registry: &aspace.Registry{},
		clock:    ktime.NewManualClock(),
	}
	if env.evictor, err = evictor.New(env.node, evictor.Options{}); err != nil {
		t.Fatalf("evictor.New failed: %v", err)
	}
	if opts.Clock == nil {
		opts.Clock = env.clock
	}
	if env.s, err = New(env.node, env.registry, env.evictor, opts); err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return env
}

// runScanner runs the scanner goroutine until the test ends.
func (env *testEnv) runScanner(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- env.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run failed: %v", err)
		}
	})
	if err := testutil.Poll(func() error {
		env.s.disableMu.Lock()
		defer env.s.disableMu.Unlock()
		if env.s.threadCtx == nil {
			return errors.New("scanner goroutine not running")
		}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) newAnonymous(t *testing.T, name string, pages int) *vmo.Object {
	t.Helper()
	o, err := vmo.NewAnonymous(env.node, name, uint64(pages)*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewAnonymous failed: %v", err)
	}
	return o
}

// mapObject maps o at base in a new registered address space.
func (env *testEnv) mapObject(t *testing.T, o *vmo.Object) *aspace.AddressSpace {
	t.Helper()
	as := aspace.New(o.Name())
	if _, err := as.Map(base, o.Size(), o, 0, true); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	env.registry.Register(as)
	return as
}

func pageAddr(i int) hostarch.Addr {
	return base + hostarch.Addr(i)*hostarch.PageSize
}

func mustWrite(t *testing.T, as *aspace.AddressSpace, addr hostarch.Addr, b []byte) {
	t.Helper()
	if err := as.Write(addr, b); err != nil {
		t.Fatalf("Write(%v) failed: %v", addr, err)
	}
}

type zeroPager struct{}

func (zeroPager) ReadAt(b []byte, off int64) (int, error) {
	clear(b)
	return len(b), nil
}

func TestZeroScanForkedPages(t *testing.T) {
	const pages = 100
	env := newTestEnv(t, 256, Options{})
	n := env.node

	// Give the parent data so that its own pages are not candidates, then
	// zero it again before forking.
	parent := env.newAnonymous(t, "parent", pages)
	as := env.mapObject(t, parent)
	for i := 0; i < pages; i++ {
		mustWrite(t, as, pageAddr(i), []byte{1})
	}
	if got := env.s.ScanForZeroPages(pages); got != 0 {
		t.Fatalf("ScanForZeroPages of non-zero pages = %d", got)
	}
	for i := 0; i < pages; i++ {
		mustWrite(t, as, pageAddr(i), []byte{0})
	}
	child, err := parent.CloneCOW("child")
	if err != nil {
		t.Fatalf("CloneCOW failed: %v", err)
	}
	if got := n.Queues().Len(page.ZeroFork); got != pages {
		t.Fatalf("ZeroFork Len = %d, want %d", got, pages)
	}
	if _, err := n.ZeroPage(); err != nil {
		t.Fatalf("ZeroPage failed: %v", err)
	}
	free, shares := n.FreeFrames(), n.ZeroShares()

	if got := env.s.ScanForZeroPages(pages); got != pages {
		t.Errorf("ScanForZeroPages(%d) = %d, want %d", pages, got, pages)
	}
	if got := n.FreeFrames(); got != free+pages {
		t.Errorf("FreeFrames = %d, want %d", got, free+pages)
	}
	if got := n.ZeroShares(); got != shares+pages {
		t.Errorf("ZeroShares = %d, want %d", got, shares+pages)
	}
	for i := 0; i < pages; i++ {
		if p := child.Lookup(uint64(i) * hostarch.PageSize); !n.IsZeroPage(p) {
			t.Errorf("child page %d is %v, want the zero page", i, p)
		}
	}

	// Nothing new to scan.
	if got := env.s.ScanForZeroPages(pages); got != 0 {
		t.Errorf("second ScanForZeroPages = %d, want 0", got)
	}
}

func TestZeroScanRoundTrip(t *testing.T) {
	env := newTestEnv(t, 16, Options{})
	n := env.node
	o := env.newAnonymous(t, "anon", 2)
	as := env.mapObject(t, o)
	mustWrite(t, as, pageAddr(0), make([]byte, 16))
	if got := env.s.ScanForZeroPages(10); got != 1 {
		t.Fatalf("ScanForZeroPages = %d, want 1", got)
	}
	if _, _, ok := as.Lookup(pageAddr(0)); ok {
		t.Errorf("translation of deduplicated page survived")
	}

	want := []byte("written after dedup")
	mustWrite(t, as, pageAddr(0)+100, want)
	p := o.Lookup(0)
	if p == nil || n.IsZeroPage(p) {
		t.Fatalf("write did not re-materialize a private page: %v", p)
	}
	if got := n.ZeroShares(); got != 0 {
		t.Errorf("ZeroShares = %d, want 0", got)
	}
	got := make([]byte, len(want))
	if err := as.Read(pageAddr(0)+100, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %q, want %q", got, want)
	}
	if !bytes.Equal(n.Bytes(p)[100:100+len(want)], want) {
		t.Errorf("frame contents do not match the write")
	}
}

func TestZeroScanRacingWriters(t *testing.T) {
	const (
		pages   = 64
		writers = 4
	)
	env := newTestEnv(t, 256, Options{})
	n := env.node
	o := env.newAnonymous(t, "heap", pages)
	as := env.mapObject(t, o)
	if err := o.CommitRange(0, o.Size()); err != nil {
		t.Fatalf("CommitRange failed: %v", err)
	}
	pattern := func(i int) []byte {
		return bytes.Repeat([]byte{byte(i%255) + 1}, 8)
	}

	// Writers fill the even pages while the zero scanner races them.
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 2 * w; i < pages; i += 2 * writers {
				if err := as.Write(pageAddr(i)+hostarch.Addr(i), pattern(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < pages; i++ {
			env.s.ScanForZeroPages(2)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	env.s.ScanForZeroPages(pages)

	for i := 0; i < pages; i++ {
		p := o.Lookup(uint64(i) * hostarch.PageSize)
		if i%2 == 1 {
			if p == nil || !n.IsZeroPage(p) {
				t.Errorf("untouched page %d = %v, want the zero page", i, p)
			}
			continue
		}
		if p == nil || n.IsZeroPage(p) {
			t.Errorf("written page %d = %v, want a private page", i, p)
			continue
		}
		got := make([]byte, 8)
		if err := as.Read(pageAddr(i)+hostarch.Addr(i), got); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if want := pattern(i); !bytes.Equal(got, want) {
			t.Errorf("page %d = %v, want %v", i, got, want)
		}
	}
}

func TestZeroScanSkipsPinnedAndDirty(t *testing.T) {
	env := newTestEnv(t, 16, Options{})
	n := env.node
	o := env.newAnonymous(t, "anon", 4)
	if err := o.CommitRange(0, o.Size()); err != nil {
		t.Fatalf("CommitRange failed: %v", err)
	}
	as := env.mapObject(t, o)
	mustWrite(t, as, pageAddr(1), []byte{7})
	if err := o.Pin(2*hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	pinned := o.Lookup(2 * hostarch.PageSize)

	if got := env.s.ScanForZeroPages(10); got != 2 {
		t.Errorf("ScanForZeroPages = %d, want 2", got)
	}
	if got := n.Queues().Len(page.Anonymous); got != 1 {
		t.Errorf("Anonymous Len = %d, want 1", got)
	}
	// Pinned pages are never taken off the queue.
	if c := pinned.Class(); c != page.ZeroFork {
		t.Errorf("pinned page class = %v, want %v", c, page.ZeroFork)
	}
	if n.IsZeroPage(pinned) || o.Lookup(2*hostarch.PageSize) != pinned {
		t.Errorf("pinned page was replaced")
	}
}

func TestRunScanPassAges(t *testing.T) {
	env := newTestEnv(t, 16, Options{})
	o := env.newAnonymous(t, "anon", 2)
	as := env.mapObject(t, o)
	mustWrite(t, as, pageAddr(0), []byte{1})
	mustWrite(t, as, pageAddr(1), []byte{1})
	p0, p1 := o.Lookup(0), o.Lookup(hostarch.PageSize)
	qs := env.node.Queues()

	stats := env.s.RunScanPass()
	want := ScanStats{
		Harvested:     true,
		AddressSpaces: 1,
		HarvestStats:  aspace.HarvestStats{Scanned: 2, Accessed: 2},
		Aged:          true,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("first pass stats mismatch (-want +got):\n%s", diff)
	}

	as.MarkAccessed(pageAddr(0))
	env.s.RunScanPass()
	if age, _ := qs.PageAge(p0); age != 1 {
		t.Errorf("accessed page age = %d, want 1", age)
	}
	if age, _ := qs.PageAge(p1); age != 2 {
		t.Errorf("idle page age = %d, want 2", age)
	}

	// Nothing accessed: the address space is skipped, aging continues.
	stats = env.s.RunScanPass()
	if stats.Idle != 1 || stats.AddressSpaces != 0 {
		t.Errorf("idle pass stats = %+v", stats)
	}
	if age, _ := qs.PageAge(p0); age != 2 {
		t.Errorf("page age after idle pass = %d, want 2", age)
	}
}

func TestAgingInterval(t *testing.T) {
	env := newTestEnv(t, 16, Options{MinAgingInterval: time.Second})
	if env.s.RunScanPass().Aged {
		t.Errorf("aged before the minimum interval")
	}
	env.clock.Advance(time.Second)
	if !env.s.RunScanPass().Aged {
		t.Errorf("not aged after the minimum interval")
	}
	if env.s.RunScanPass().Aged {
		t.Errorf("aged twice in one interval")
	}
}

func TestWaitForScanSatisfied(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	s := env.s
	if got := s.LastScan(); got != ktime.MinTime {
		t.Errorf("LastScan before any scan = %v, want %v", got, ktime.MinTime)
	}
	env.clock.Advance(time.Second)
	s.RunScanPass()
	if got := s.PassCount(); got != 1 {
		t.Fatalf("PassCount = %d, want 1", got)
	}
	now := env.clock.Now()
	s.WaitForScan(now)
	s.WaitForScan(now.Add(-time.Millisecond))
	if got := s.PassCount(); got != 1 {
		t.Errorf("WaitForScan of a satisfied time scanned: PassCount = %d", got)
	}

	env.clock.Advance(time.Second)
	later := env.clock.Now()
	s.WaitForScan(later)
	if got := s.PassCount(); got != 2 {
		t.Errorf("PassCount = %d, want 2", got)
	}
	if got := s.LastScan(); got.Before(later) {
		t.Errorf("LastScan = %v, want at least %v", got, later)
	}
}

func TestWaitForScanConcurrent(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	s := env.s
	env.clock.Advance(time.Second)
	target := env.clock.Now()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			s.WaitForScan(target)
			if s.LastScan().Before(target) {
				return fmt.Errorf("WaitForScan returned with LastScan %v before %v", s.LastScan(), target)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	// Waiters that queued behind the first scan found it sufficient.
	if got := s.PassCount(); got != 1 {
		t.Errorf("PassCount = %d, want 1", got)
	}
}

func TestLastScanMonotonic(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	prev := env.s.LastScan()
	for i := 0; i < 5; i++ {
		if i%2 == 0 {
			env.clock.Advance(time.Millisecond)
		}
		env.s.RunScanPass()
		cur := env.s.LastScan()
		if cur.Before(prev) {
			t.Fatalf("LastScan went backwards: %v -> %v", prev, cur)
		}
		prev = cur
	}
}

func TestPageTableReclaimPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy      PageTableReclaimPolicy
		initial     bool
		afterEnable bool
	}{
		{policy: PageTableReclaimAlways, initial: true, afterEnable: true},
		{policy: PageTableReclaimNever, initial: false, afterEnable: false},
		{policy: PageTableReclaimOnRequest, initial: false, afterEnable: true},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			s := newTestEnv(t, 4, Options{PageTableReclaim: tc.policy}).s
			if got := s.PageTableReclaimEnabled(); got != tc.initial {
				t.Errorf("initially enabled = %t, want %t", got, tc.initial)
			}
			s.EnablePageTableReclaim()
			s.EnablePageTableReclaim()
			if got := s.PageTableReclaimEnabled(); got != tc.afterEnable {
				t.Errorf("enabled after EnablePageTableReclaim = %t, want %t", got, tc.afterEnable)
			}
			s.DisablePageTableReclaim()
			if got := s.PageTableReclaimEnabled(); got != tc.initial {
				t.Errorf("enabled after DisablePageTableReclaim = %t, want %t", got, tc.initial)
			}
		})
	}
}

func TestPageTableReclaim(t *testing.T) {
	env := newTestEnv(t, 16, Options{})
	o := env.newAnonymous(t, "anon", hostarch.PTEsPerTable+1)
	as := env.mapObject(t, o)
	mustWrite(t, as, pageAddr(0), []byte{1})
	mustWrite(t, as, pageAddr(hostarch.PTEsPerTable), []byte{1})
	if got := as.PageTables(); got != 2 {
		t.Fatalf("PageTables = %d, want 2", got)
	}
	env.s.RunScanPass()

	// Only the first table is in use.
	as.MarkAccessed(pageAddr(0))
	env.s.reclaimPTNext.Store(true)
	stats := env.s.RunScanPass()
	if stats.TablesReclaimed != 1 || stats.Unmapped != 1 {
		t.Errorf("stats = %+v, want one table reclaimed", stats)
	}
	if got := as.PageTables(); got != 1 {
		t.Errorf("PageTables = %d, want 1", got)
	}
	if _, _, ok := as.Lookup(pageAddr(hostarch.PTEsPerTable)); ok {
		t.Errorf("translation in reclaimed table survived")
	}
	// The request is consumed by one scan.
	if stats := env.s.RunScanPass(); stats.TablesReclaimed != 0 {
		t.Errorf("second scan reclaimed %d tables", stats.TablesReclaimed)
	}
}

func TestScanSkippedWithoutEviction(t *testing.T) {
	env := newTestEnv(t, 16, Options{})
	o := env.newAnonymous(t, "anon", 1)
	as := env.mapObject(t, o)
	mustWrite(t, as, pageAddr(0), []byte{1})

	env.clock.Advance(time.Second)
	env.s.WaitForScan(env.clock.Now())
	if !as.IsAccessed(pageAddr(0)) {
		t.Errorf("accessed bit harvested with eviction disabled")
	}
	if got := env.s.PassCount(); got != 1 {
		t.Errorf("PassCount = %d, want 1", got)
	}

	env.evictor.EnableEviction()
	env.clock.Advance(time.Second)
	env.s.WaitForScan(env.clock.Now())
	if as.IsAccessed(pageAddr(0)) {
		t.Errorf("accessed bit not harvested with eviction enabled")
	}
}

func TestPushPopDisable(t *testing.T) {
	env := newTestEnv(t, 4, Options{EnableEviction: true})
	s := env.s
	const depth = 3
	for i := 0; i < depth; i++ {
		s.PushDisable()
	}
	for i := 0; i < depth-1; i++ {
		s.PopDisable()
		if env.evictor.IsEvictionEnabled() {
			t.Fatalf("eviction enabled with disable count %d", s.DisableCount())
		}
	}
	if got := s.DisableCount(); got != 1 {
		t.Errorf("DisableCount = %d, want 1", got)
	}
	s.PopDisable()
	if !env.evictor.IsEvictionEnabled() {
		t.Errorf("eviction not re-enabled")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("PopDisable without PushDisable did not panic")
		}
	}()
	s.PopDisable()
}

func TestDisabledStopsAging(t *testing.T) {
	env := newTestEnv(t, 8, Options{})
	o := env.newAnonymous(t, "anon", 1)
	if err := o.CommitRange(0, o.Size()); err != nil {
		t.Fatalf("CommitRange failed: %v", err)
	}
	p := o.Lookup(0)
	func() {
		cu := env.s.Disabled()
		defer cu.Clean()
		if got := env.s.DisableCount(); got != 1 {
			t.Errorf("DisableCount = %d, want 1", got)
		}
		env.s.RunScanPass()
		if age, _ := env.node.Queues().PageAge(p); age != 0 {
			t.Errorf("page aged while disabled: %d", age)
		}
	}()
	if got := env.s.DisableCount(); got != 0 {
		t.Errorf("DisableCount after cleanup = %d, want 0", got)
	}
	env.s.RunScanPass()
	if age, _ := env.node.Queues().PageAge(p); age != 1 {
		t.Errorf("page age after enabling = %d, want 1", age)
	}
}

func TestStartDisabled(t *testing.T) {
	env := newTestEnv(t, 4, Options{StartDisabled: true, EnableEviction: true})
	if got := env.s.DisableCount(); got != 1 {
		t.Errorf("DisableCount = %d, want 1", got)
	}
	if env.evictor.IsEvictionEnabled() {
		t.Errorf("eviction enabled while the scanner starts disabled")
	}
	env.s.PopDisable()
	if !env.evictor.IsEvictionEnabled() {
		t.Errorf("eviction not enabled once the scanner is enabled")
	}
}

func TestThreadDisable(t *testing.T) {
	env := newTestEnv(t, 4, Options{EnableEviction: true, Clock: ktime.NewMonotonicClock()})
	env.runScanner(t)
	s := env.s

	s.PushDisable()
	if !s.disabled.Signaled() {
		t.Errorf("PushDisable returned before the scanner quiesced")
	}
	if env.evictor.IsEvictionEnabled() {
		t.Errorf("eviction enabled while disabled")
	}
	s.PushDisable()
	s.PopDisable()
	if env.evictor.IsEvictionEnabled() {
		t.Errorf("eviction enabled with disable count %d", s.DisableCount())
	}
	s.PopDisable()
	if err := testutil.Poll(func() error {
		if !env.evictor.IsEvictionEnabled() {
			return errors.New("eviction not re-enabled")
		}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run got err %v, want %v", err, ErrRunning)
	}
}

func TestThreadPeriodicWork(t *testing.T) {
	env := newTestEnv(t, 16, Options{
		Clock:                  ktime.NewMonotonicClock(),
		ZeroPageScansPerSecond: 100,
	})
	o := env.newAnonymous(t, "anon", 8)
	if err := o.CommitRange(0, o.Size()); err != nil {
		t.Fatalf("CommitRange failed: %v", err)
	}
	env.runScanner(t)

	if err := testutil.Poll(func() error {
		if env.s.PassCount() == 0 {
			return errors.New("no accessed scan yet")
		}
		if n := env.node.ZeroShares(); n != 8 {
			return fmt.Errorf("%d zero page shares, want 8", n)
		}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestReclaimAll(t *testing.T) {
	env := newTestEnv(t, 32, Options{EnableEviction: true})
	file, err := vmo.NewPagerBacked(env.node, "file", 4*hostarch.PageSize, zeroPager{})
	if err != nil {
		t.Fatalf("NewPagerBacked failed: %v", err)
	}
	if err := file.CommitRange(0, file.Size()); err != nil {
		t.Fatalf("CommitRange failed: %v", err)
	}
	anon := env.newAnonymous(t, "anon", 3)
	if err := anon.CommitRange(0, anon.Size()); err != nil {
		t.Fatalf("CommitRange failed: %v", err)
	}

	stats, ok := env.s.ReclaimAll()
	if !ok {
		t.Fatalf("ReclaimAll deferred while enabled")
	}
	if diff := cmp.Diff(ReclaimStats{Evicted: 4, Deduped: 3}, stats); diff != "" {
		t.Errorf("ReclaimAll mismatch (-want +got):\n%s", diff)
	}

	env.s.PushDisable()
	if _, ok := env.s.ReclaimAll(); ok {
		t.Errorf("ReclaimAll ran while disabled")
	}
	if env.s.op.Load()&opReclaimAll == 0 {
		t.Errorf("deferred ReclaimAll not queued")
	}
}

func TestParsePageTableReclaimPolicy(t *testing.T) {
	for p := PageTableReclaimAlways; p <= PageTableReclaimOnRequest; p++ {
		got, err := ParsePageTableReclaimPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePageTableReclaimPolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePageTableReclaimPolicy("sometimes"); err == nil {
		t.Errorf("ParsePageTableReclaimPolicy(sometimes) succeeded")
	}
}
