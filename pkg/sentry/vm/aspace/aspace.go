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

// Package aspace provides address spaces: ordered sets of regions mapping
// memory objects, and the software MMU translations that cache them.
//
// Translations carry an accessed bit that is set whenever the translation is
// used, and that the reclaimer reads and clears to learn which pages are in
// use. Translations are grouped into leaf page tables spanning
// hostarch.PTEsPerTable pages each; a table that spans no live translations
// can be reclaimed.
package aspace

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/reclaim/pkg/atomicbitops"
	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sync"
)

var (
	// ErrFault is returned for accesses to unmapped addresses.
	ErrFault = errors.New("aspace: address not mapped")

	// ErrPermission is returned for writes to read-only regions.
	ErrPermission = errors.New("aspace: write to read-only region")

	// ErrOverlap is returned by Map for regions overlapping an existing
	// region.
	ErrOverlap = errors.New("aspace: region overlaps existing mapping")
)

// btreeDegree is the degree of the translation and region trees.
const btreeDegree = 32

// Mappable is a memory object that can be mapped into address spaces.
//
// Lock ordering: a Mappable's lock is taken before AddressSpace.mu. Methods
// on AddressSpace that take AddressSpace.mu, such as Install and Invalidate,
// may be called with the Mappable's lock held; Mappable methods must not be
// called with AddressSpace.mu held.
type Mappable interface {
	// Access services an access of len(buf) bytes at offset off within the
	// object, made through as at addr. For writes, buf is copied into the
	// object; for reads, the object is copied into buf. Access installs a
	// translation for addr in as. buf never crosses a page boundary.
	Access(as *AddressSpace, addr hostarch.Addr, off uint64, buf []byte, write bool) error

	// AddMapping informs the object that [start, start+length) in as maps
	// the object at off.
	AddMapping(as *AddressSpace, start hostarch.Addr, off, length uint64)

	// RemoveMapping undoes AddMapping.
	RemoveMapping(as *AddressSpace, start hostarch.Addr, off, length uint64)
}

// Region maps a range of an address space to a Mappable.
type Region struct {
	Start    hostarch.Addr
	Length   uint64
	Object   Mappable
	Offset   uint64
	Writable bool
}

// End returns the first address past r.
func (r *Region) End() hostarch.Addr {
	return r.Start + hostarch.Addr(r.Length)
}

// Contains returns true if addr falls within r.
func (r *Region) Contains(addr hostarch.Addr) bool {
	return addr >= r.Start && addr < r.End()
}

type translation struct {
	addr     hostarch.Addr
	page     *page.Page
	writable bool
	accessed bool
}

type pageTable struct {
	base hostarch.Addr
	live int
}

// HarvestStats describes one harvest of an address space.
type HarvestStats struct {
	// Scanned is the number of translations examined.
	Scanned uint64

	// Accessed is the number of translations found accessed.
	Accessed uint64

	// Unmapped is the number of idle translations removed to empty page
	// tables.
	Unmapped uint64

	// TablesReclaimed is the number of page tables freed.
	TablesReclaimed uint64
}

// AddressSpace is a software model of a process address space.
type AddressSpace struct {
	name string

	// highPriority address spaces keep their page tables and are treated
	// as always accessed.
	highPriority atomicbitops.Bool

	// accessedSinceCheck is set whenever a translation is installed or
	// used, and cleared by AccessedSinceLastCheck.
	accessedSinceCheck atomicbitops.Bool

	mu sync.Mutex

	// +checklocks:mu
	regions *btree.BTreeG[*Region]

	// +checklocks:mu
	translations *btree.BTreeG[*translation]

	// tables maps page table base addresses to tables.
	//
	// +checklocks:mu
	tables map[hostarch.Addr]*pageTable

	// +checklocks:mu
	destroyed bool

	tablesReclaimed atomicbitops.Uint64
}

// New returns an empty address space.
func New(name string) *AddressSpace {
	return &AddressSpace{
		name:         name,
		regions:      btree.NewG(btreeDegree, func(a, b *Region) bool { return a.Start < b.Start }),
		translations: btree.NewG(btreeDegree, func(a, b *translation) bool { return a.addr < b.addr }),
		tables:       make(map[hostarch.Addr]*pageTable),
	}
}

// Name returns the address space's name.
func (as *AddressSpace) Name() string {
	return as.name
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("aspace %q", as.name)
}

// SetHighPriority marks as as high priority. High priority address spaces
// never have their accessed bits cleared or page tables reclaimed.
func (as *AddressSpace) SetHighPriority(hp bool) {
	as.highPriority.Store(hp)
}

// IsHighPriority returns true if as is high priority.
func (as *AddressSpace) IsHighPriority() bool {
	return as.highPriority.Load()
}

// AccessedSinceLastCheck returns whether as has been used since the last call
// that passed clear.
func (as *AddressSpace) AccessedSinceLastCheck(clear bool) bool {
	if clear {
		return as.accessedSinceCheck.Swap(false)
	}
	return as.accessedSinceCheck.Load()
}

// Map maps length bytes of obj at off into as at start.
func (as *AddressSpace) Map(start hostarch.Addr, length uint64, obj Mappable, off uint64, writable bool) (*Region, error) {
	if !start.IsPageAligned() || length == 0 || length%hostarch.PageSize != 0 || off%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("aspace: unaligned mapping [%v, +%#x) at offset %#x", start, length, off)
	}
	end, ok := start.AddLength(length)
	if !ok {
		return nil, fmt.Errorf("aspace: mapping [%v, +%#x) overflows", start, length)
	}
	r := &Region{Start: start, Length: length, Object: obj, Offset: off, Writable: writable}

	// The object must know about the mapping before any access can find
	// the region, or translations installed through it would survive the
	// object's invalidations.
	obj.AddMapping(as, start, off, length)

	as.mu.Lock()
	var err error
	if as.destroyed {
		err = fmt.Errorf("aspace: %v is destroyed", as)
	} else if as.overlapsLocked(start, end) {
		err = ErrOverlap
	} else {
		as.regions.ReplaceOrInsert(r)
	}
	as.mu.Unlock()

	if err != nil {
		obj.RemoveMapping(as, start, off, length)
		return nil, err
	}
	return r, nil
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) overlapsLocked(start, end hostarch.Addr) bool {
	overlap := false
	as.regions.DescendLessOrEqual(&Region{Start: end - 1}, func(o *Region) bool {
		overlap = o.End() > start
		return false
	})
	return overlap
}

// Unmap removes r from as, along with its translations.
func (as *AddressSpace) Unmap(r *Region) {
	as.mu.Lock()
	if _, ok := as.regions.Delete(r); !ok {
		as.mu.Unlock()
		return
	}
	as.invalidateRangeLocked(r.Start, r.Length)
	as.mu.Unlock()
	r.Object.RemoveMapping(as, r.Start, r.Offset, r.Length)
}

// Regions returns the regions of as in address order.
func (as *AddressSpace) Regions() []*Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*Region, 0, as.regions.Len())
	as.regions.Ascend(func(r *Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// findRegion returns the region containing addr.
func (as *AddressSpace) findRegion(addr hostarch.Addr) (*Region, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r := as.findRegionLocked(addr)
	if r == nil {
		return nil, ErrFault
	}
	return r, nil
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) findRegionLocked(addr hostarch.Addr) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if r.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// access splits [addr, addr+len(buf)) into page-sized accesses and forwards
// each to the mapped object.
func (as *AddressSpace) access(addr hostarch.Addr, buf []byte, write bool) error {
	for len(buf) > 0 {
		r, err := as.findRegion(addr)
		if err != nil {
			return fmt.Errorf("%w: %v", err, addr)
		}
		if write && !r.Writable {
			return fmt.Errorf("%w: %v", ErrPermission, addr)
		}
		n := hostarch.PageSize - addr.PageOffset()
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		off := r.Offset + uint64(addr-r.Start)
		if err := r.Object.Access(as, addr, off, buf[:n], write); err != nil {
			return err
		}
		buf = buf[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}

// Read copies len(dst) bytes at addr into dst.
func (as *AddressSpace) Read(addr hostarch.Addr, dst []byte) error {
	return as.access(addr, dst, false)
}

// Write copies src to addr.
func (as *AddressSpace) Write(addr hostarch.Addr, src []byte) error {
	return as.access(addr, src, true)
}

// Install sets the translation for the page containing addr to p, the page
// at offset off of obj, marking it accessed. It is called by Mappables with
// their lock held.
//
// Install returns false, and installs nothing, if addr is no longer mapped
// to off of obj. This happens when the access that faulted raced with Unmap.
func (as *AddressSpace) Install(obj Mappable, addr hostarch.Addr, off uint64, p *page.Page, writable bool) bool {
	addr = addr.RoundDown()
	off &^= hostarch.PageSize - 1
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.destroyed {
		return false
	}
	r := as.findRegionLocked(addr)
	if r == nil || r.Object != obj || r.Offset+uint64(addr-r.Start) != off {
		return false
	}
	writable = writable && r.Writable
	as.accessedSinceCheck.Store(true)
	if t, ok := as.translations.Get(&translation{addr: addr}); ok {
		t.page = p
		t.writable = writable
		t.accessed = true
		return true
	}
	base := addr.PageTableBase()
	pt, ok := as.tables[base]
	if !ok {
		pt = &pageTable{base: base}
		as.tables[base] = pt
	}
	pt.live++
	as.translations.ReplaceOrInsert(&translation{addr: addr, page: p, writable: writable, accessed: true})
	return true
}

// Invalidate removes the translation for the page containing addr. It
// returns false if there was none.
func (as *AddressSpace) Invalidate(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.invalidateLocked(addr.RoundDown())
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) invalidateLocked(addr hostarch.Addr) bool {
	if _, ok := as.translations.Delete(&translation{addr: addr}); !ok {
		return false
	}
	as.tables[addr.PageTableBase()].live--
	return true
}

// InvalidateRange removes every translation in [start, start+length).
func (as *AddressSpace) InvalidateRange(start hostarch.Addr, length uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.invalidateRangeLocked(start, length)
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) invalidateRangeLocked(start hostarch.Addr, length uint64) {
	var addrs []hostarch.Addr
	as.translations.AscendRange(&translation{addr: start}, &translation{addr: start + hostarch.Addr(length)}, func(t *translation) bool {
		addrs = append(addrs, t.addr)
		return true
	})
	for _, a := range addrs {
		as.invalidateLocked(a)
	}
}

// Lookup returns the page translated at addr.
func (as *AddressSpace) Lookup(addr hostarch.Addr) (p *page.Page, writable bool, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	t, ok := as.translations.Get(&translation{addr: addr.RoundDown()})
	if !ok {
		return nil, false, false
	}
	return t.page, t.writable, true
}

// MarkAccessed sets the accessed bit of the translation at addr, as the MMU
// does on a hit. It returns false if addr has no translation.
func (as *AddressSpace) MarkAccessed(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	t, ok := as.translations.Get(&translation{addr: addr.RoundDown()})
	if !ok {
		return false
	}
	t.accessed = true
	as.accessedSinceCheck.Store(true)
	return true
}

// IsAccessed returns the accessed bit of the translation at addr.
func (as *AddressSpace) IsAccessed(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	t, ok := as.translations.Get(&translation{addr: addr.RoundDown()})
	return ok && t.accessed
}

// HarvestAccessed walks the translations of as in address order, calling
// touch for the page of each translation found accessed and clearing the
// bit. If reclaimTables is set, every page table in which no translation was
// accessed has its translations removed and is then reclaimed.
//
// High priority address spaces report every translation as accessed, keep
// their accessed bits, and never lose page tables.
//
// HarvestAccessed does not block: ok is false if as is locked by someone
// else, in which case nothing was done.
func (as *AddressSpace) HarvestAccessed(touch func(*page.Page), reclaimTables bool) (stats HarvestStats, ok bool) {
	if !as.mu.TryLock() {
		return stats, false
	}
	defer as.mu.Unlock()
	if as.destroyed {
		return stats, true
	}
	hp := as.highPriority.Load()
	active := make(map[hostarch.Addr]bool)
	as.translations.Ascend(func(t *translation) bool {
		stats.Scanned++
		if t.accessed || hp {
			stats.Accessed++
			active[t.addr.PageTableBase()] = true
			touch(t.page)
			if !hp {
				t.accessed = false
			}
		}
		return true
	})
	if !reclaimTables || hp {
		return stats, true
	}
	for base, pt := range as.tables {
		if active[base] {
			continue
		}
		if pt.live > 0 {
			before := pt.live
			as.invalidateRangeLocked(base, hostarch.PageTableSpan)
			stats.Unmapped += uint64(before - pt.live)
		}
		if as.reclaimPageTableIfEmptyLocked(base) {
			stats.TablesReclaimed++
		}
	}
	return stats, true
}

// ReclaimPageTableIfEmpty frees the page table covering addr if it spans no
// live translations.
func (as *AddressSpace) ReclaimPageTableIfEmpty(addr hostarch.Addr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.reclaimPageTableIfEmptyLocked(addr.PageTableBase())
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) reclaimPageTableIfEmptyLocked(base hostarch.Addr) bool {
	pt, ok := as.tables[base]
	if !ok || pt.live != 0 {
		return false
	}
	delete(as.tables, base)
	as.tablesReclaimed.Add(1)
	return true
}

// PageTables returns the number of page tables currently allocated.
func (as *AddressSpace) PageTables() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.tables)
}

// Translations returns the number of live translations.
func (as *AddressSpace) Translations() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.translations.Len()
}

// TablesReclaimed returns the total number of page tables reclaimed from as.
func (as *AddressSpace) TablesReclaimed() uint64 {
	return as.tablesReclaimed.Load()
}

// Destroy unmaps every region of as. as must not be used afterwards.
func (as *AddressSpace) Destroy() {
	for _, r := range as.Regions() {
		as.Unmap(r)
	}
	as.mu.Lock()
	as.destroyed = true
	as.translations.Clear(false)
	as.tables = make(map[hostarch.Addr]*pageTable)
	as.mu.Unlock()
}
