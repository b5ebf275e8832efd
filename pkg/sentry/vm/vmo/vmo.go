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

// Package vmo implements memory objects: page-granular containers of memory
// that can be mapped into address spaces and that own the page records
// backing them.
//
// Each page-aligned offset of an object (a slot) is either absent, refers to
// a page record in state page.Object owned by the object, or refers to the
// canonical zero page, of which it holds one share.
//
// Objects implement page.Owner, through which the reclaimer deduplicates and
// evicts their pages, and aspace.Mappable, through which address spaces
// fault their pages in.
package vmo

import (
	"errors"
	"fmt"
	"io"

	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/sentry/usage"
	"gvisor.dev/reclaim/pkg/sentry/vm/aspace"
	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sentry/vm/pmm"
	"gvisor.dev/reclaim/pkg/sync"
)

var (
	// ErrDestroyed is returned for operations on a destroyed object.
	ErrDestroyed = errors.New("vmo: object destroyed")

	// ErrDiscarded is returned for accesses to an unlocked discardable
	// object whose contents were discarded.
	ErrDiscarded = errors.New("vmo: object discarded")
)

// Kind determines how an object's pages are sourced and reclaimed.
type Kind int

const (
	// Anonymous objects are zero-filled on demand. Their pages can only
	// be reclaimed by zero-page deduplication.
	Anonymous Kind = iota

	// PagerBacked objects are filled from a pager. Clean pages can be
	// evicted and fetched again.
	PagerBacked

	// Discardable objects are anonymous objects whose entire contents may
	// be discarded while they are unlocked.
	Discardable
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case PagerBacked:
		return "pager_backed"
	case Discardable:
		return "discardable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// mapping is a range of the object mapped into an address space.
type mapping struct {
	as     *aspace.AddressSpace
	start  hostarch.Addr
	off    uint64
	length uint64
}

// Object is a memory object.
//
// Lock ordering: Object.mu is taken before any address space lock and any
// page queue lock.
type Object struct {
	node *pmm.Node
	name string
	kind Kind
	size uint64

	// pager fills pages of PagerBacked objects. It is nil for other kinds.
	pager io.ReaderAt

	mu sync.Mutex

	// slots maps page-aligned offsets to page records.
	//
	// +checklocks:mu
	slots map[uint64]*page.Page

	// dirty holds the offsets of PagerBacked pages modified since they
	// were last written back.
	//
	// +checklocks:mu
	dirty map[uint64]struct{}

	// +checklocks:mu
	mappings []mapping

	// lockCount is the number of outstanding Lock calls on a Discardable
	// object.
	//
	// +checklocks:mu
	lockCount int

	// +checklocks:mu
	discarded bool

	// +checklocks:mu
	destroyed bool
}

func newObject(node *pmm.Node, name string, kind Kind, size uint64, pager io.ReaderAt) (*Object, error) {
	rounded, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("vmo: invalid size %#x for %q", size, name)
	}
	return &Object{
		node:  node,
		name:  name,
		kind:  kind,
		size:  rounded,
		pager: pager,
		slots: make(map[uint64]*page.Page),
		dirty: make(map[uint64]struct{}),
	}, nil
}

// NewAnonymous returns a zero-filled object of size bytes, rounded up to a
// page.
func NewAnonymous(node *pmm.Node, name string, size uint64) (*Object, error) {
	return newObject(node, name, Anonymous, size, nil)
}

// NewPagerBacked returns an object of size bytes whose pages are read from
// pager on first access.
func NewPagerBacked(node *pmm.Node, name string, size uint64, pager io.ReaderAt) (*Object, error) {
	if pager == nil {
		return nil, fmt.Errorf("vmo: pager-backed object %q has no pager", name)
	}
	return newObject(node, name, PagerBacked, size, pager)
}

// NewDiscardable returns a discardable object of size bytes. It is created
// unlocked.
func NewDiscardable(node *pmm.Node, name string, size uint64) (*Object, error) {
	return newObject(node, name, Discardable, size, nil)
}

// Name returns the object's name.
func (o *Object) Name() string { return o.name }

// Kind returns the object's kind.
func (o *Object) Kind() Kind { return o.kind }

// Size returns the object's size in bytes.
func (o *Object) Size() uint64 { return o.size }

// String implements fmt.Stringer.String.
func (o *Object) String() string {
	return fmt.Sprintf("vmo %q (%v)", o.name, o.kind)
}

func (o *Object) memoryKind() usage.MemoryKind {
	switch o.kind {
	case Anonymous, Discardable:
		return usage.Anonymous
	case PagerBacked:
		return usage.PageCache
	default:
		panic(fmt.Sprintf("unknown object kind %d", int(o.kind)))
	}
}

// commitClass returns the queue class of a page newly committed by a write.
func (o *Object) commitClass() page.Class {
	switch o.kind {
	case Anonymous:
		return page.ZeroFork
	case PagerBacked:
		return page.PagerBackedDirty
	case Discardable:
		return page.Discardable
	default:
		panic(fmt.Sprintf("unknown object kind %d", int(o.kind)))
	}
}

// checkRange validates [off, off+length) against the object's size.
func (o *Object) checkRange(off, length uint64) error {
	end := off + length
	if end < off || end > o.size {
		return fmt.Errorf("vmo: range [%#x, %#x) outside %v of size %#x", off, end, o, o.size)
	}
	return nil
}

// allocLocked commits a new page at off and tracks it in class c. The
// previous content of the slot, if any, must already have been released.
//
// Preconditions: o.mu must be locked.
func (o *Object) allocLocked(off uint64, c page.Class) (*page.Page, error) {
	p, err := o.node.AllocPage(o.memoryKind())
	if err != nil {
		return nil, fmt.Errorf("committing %v at %#x: %w", o, off, err)
	}
	o.node.SetState(p, page.Object)
	p.SetBacklink(o, off)
	o.slots[off] = p
	o.node.Queues().Insert(p, c)
	return p, nil
}

// releaseSlotLocked drops whatever the slot at off refers to. Translations
// must already have been invalidated.
//
// Preconditions: o.mu must be locked.
func (o *Object) releaseSlotLocked(off uint64) {
	p, ok := o.slots[off]
	if !ok {
		return
	}
	delete(o.slots, off)
	delete(o.dirty, off)
	if o.node.IsZeroPage(p) {
		p.DropShare()
		return
	}
	o.node.FreePage(p)
}

// invalidateLocked removes every translation of the page at off.
//
// Preconditions: o.mu must be locked.
func (o *Object) invalidateLocked(off uint64) {
	for _, m := range o.mappings {
		if off >= m.off && off < m.off+m.length {
			m.as.Invalidate(m.start + hostarch.Addr(off-m.off))
		}
	}
}

// writablePageLocked returns a private page for off, replacing an absent
// slot or a zero page share.
//
// Preconditions: o.mu must be locked.
func (o *Object) writablePageLocked(off uint64) (*page.Page, error) {
	p := o.slots[off]
	if p != nil && !o.node.IsZeroPage(p) {
		return p, nil
	}
	if o.kind == PagerBacked && p == nil {
		// Fill from the pager before modifying.
		np, err := o.fetchLocked(off)
		if err != nil {
			return nil, err
		}
		o.node.Queues().MoveTo(np, page.PagerBackedDirty)
		return np, nil
	}
	// Other address spaces may still translate the zero page here.
	o.invalidateLocked(off)
	if p != nil {
		delete(o.slots, off)
		p.DropShare()
	}
	return o.allocLocked(off, o.commitClass())
}

// fetchLocked reads the page at off from the pager.
//
// Preconditions: o.mu must be locked. o.kind == PagerBacked.
func (o *Object) fetchLocked(off uint64) (*page.Page, error) {
	p, err := o.allocLocked(off, page.PagerBacked)
	if err != nil {
		return nil, err
	}
	if _, err := o.pager.ReadAt(o.node.Bytes(p), int64(off)); err != nil && err != io.EOF {
		delete(o.slots, off)
		o.node.FreePage(p)
		return nil, fmt.Errorf("reading %v at %#x from pager: %w", o, off, err)
	}
	return p, nil
}

// Access implements aspace.Mappable.Access.
func (o *Object) Access(as *aspace.AddressSpace, addr hostarch.Addr, off uint64, buf []byte, write bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	if err := o.checkRange(off, uint64(len(buf))); err != nil {
		return fmt.Errorf("%w: %v", aspace.ErrFault, err)
	}
	if o.kind == Discardable && o.discarded {
		return ErrDiscarded
	}
	base := hostarch.PageRoundDown(off)
	pageOff := off - base

	if write {
		p, err := o.writablePageLocked(base)
		if err != nil {
			return err
		}
		copy(o.node.Bytes(p)[pageOff:], buf)
		if o.kind == PagerBacked {
			if _, ok := o.dirty[base]; !ok {
				o.dirty[base] = struct{}{}
				o.node.Queues().MoveTo(p, page.PagerBackedDirty)
			}
		}
		as.Install(o, addr, base, p, true)
		return nil
	}

	p := o.slots[base]
	if p == nil {
		switch o.kind {
		case Anonymous, Discardable:
			// Reads of untouched memory see the zero page without
			// committing anything.
			z, err := o.node.ZeroPage()
			if err != nil {
				return err
			}
			clear(buf)
			as.Install(o, addr, base, z, false)
			return nil
		case PagerBacked:
			var err error
			if p, err = o.fetchLocked(base); err != nil {
				return err
			}
		default:
			panic(fmt.Sprintf("unknown object kind %d", int(o.kind)))
		}
	}
	copy(buf, o.node.Bytes(p)[pageOff:])
	as.Install(o, addr, base, p, false)
	return nil
}

// AddMapping implements aspace.Mappable.AddMapping.
func (o *Object) AddMapping(as *aspace.AddressSpace, start hostarch.Addr, off, length uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mappings = append(o.mappings, mapping{as: as, start: start, off: off, length: length})
}

// RemoveMapping implements aspace.Mappable.RemoveMapping.
func (o *Object) RemoveMapping(as *aspace.AddressSpace, start hostarch.Addr, off, length uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, m := range o.mappings {
		if m.as == as && m.start == start && m.off == off && m.length == length {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			return
		}
	}
}

// CommitRange commits zero-filled pages for every absent slot in
// [off, off+length). Anonymous pages committed this way become zero-page
// deduplication candidates.
func (o *Object) CommitRange(off, length uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	if err := o.checkRange(off, length); err != nil {
		return err
	}
	end, _ := hostarch.PageRoundUp(off + length)
	for a := hostarch.PageRoundDown(off); a < end; a += hostarch.PageSize {
		if _, ok := o.slots[a]; ok {
			continue
		}
		var err error
		if o.kind == PagerBacked {
			_, err = o.fetchLocked(a)
		} else {
			_, err = o.allocLocked(a, o.commitClass())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CloneCOW returns a copy of an anonymous object. Committed pages are copied
// eagerly into new zero-fork pages; zero page slots share the zero page.
func (o *Object) CloneCOW(name string) (*Object, error) {
	if o.kind != Anonymous {
		return nil, fmt.Errorf("vmo: cannot clone %v", o)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil, ErrDestroyed
	}
	c, err := newObject(o.node, name, Anonymous, o.size, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for off, p := range o.slots {
		if o.node.IsZeroPage(p) {
			p.AddShare()
			c.slots[off] = p
			continue
		}
		np, err := c.allocLocked(off, page.ZeroFork)
		if err != nil {
			c.destroyLocked()
			return nil, err
		}
		copy(o.node.Bytes(np), o.node.Bytes(p))
	}
	return c, nil
}

// Pin commits and pins every page in [off, off+length). Pinned pages are
// neither evicted nor deduplicated until unpinned.
func (o *Object) Pin(off, length uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	if err := o.checkRange(off, length); err != nil {
		return err
	}
	end, _ := hostarch.PageRoundUp(off + length)
	var pinned []*page.Page
	for a := hostarch.PageRoundDown(off); a < end; a += hostarch.PageSize {
		p := o.slots[a]
		if p == nil && o.kind == PagerBacked {
			var err error
			p, err = o.fetchLocked(a)
			if err != nil {
				unpinAll(pinned)
				return err
			}
		} else if p == nil || o.node.IsZeroPage(p) {
			var err error
			p, err = o.writablePageLocked(a)
			if err != nil {
				unpinAll(pinned)
				return err
			}
		}
		p.Pin()
		pinned = append(pinned, p)
	}
	return nil
}

func unpinAll(ps []*page.Page) {
	for _, p := range ps {
		p.Unpin()
	}
}

// Unpin undoes Pin.
func (o *Object) Unpin(off, length uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	end, _ := hostarch.PageRoundUp(off + length)
	for a := hostarch.PageRoundDown(off); a < end; a += hostarch.PageSize {
		p := o.slots[a]
		if p == nil || o.node.IsZeroPage(p) {
			panic(fmt.Sprintf("unpinning uncommitted offset %#x of %v", a, o))
		}
		p.Unpin()
	}
}

// Writeback writes every dirty page of a pager-backed object to dst and marks
// it clean, making it evictable again. It returns the number of pages
// written.
func (o *Object) Writeback(dst io.WriterAt) (int, error) {
	if o.kind != PagerBacked {
		return 0, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for off := range o.dirty {
		p := o.slots[off]
		if _, err := dst.WriteAt(o.node.Bytes(p), int64(off)); err != nil {
			return n, fmt.Errorf("writing back %v at %#x: %w", o, off, err)
		}
		delete(o.dirty, off)
		o.node.Queues().MoveTo(p, page.PagerBacked)
		n++
	}
	return n, nil
}

// Lock prevents a discardable object from being discarded. It returns true
// if the object's contents were discarded since it was last locked, in which
// case the object reads as zero again.
func (o *Object) Lock() (discarded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.kind != Discardable {
		panic(fmt.Sprintf("locking non-discardable %v", o))
	}
	o.lockCount++
	discarded = o.discarded
	o.discarded = false
	return discarded
}

// Unlock undoes Lock.
func (o *Object) Unlock() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lockCount == 0 {
		panic(fmt.Sprintf("unlocking unlocked %v", o))
	}
	o.lockCount--
}

// Discarded returns true if the object's contents have been discarded.
func (o *Object) Discarded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.discarded
}

// Lookup returns the page record at off, or nil if the slot is absent. The
// result may be the zero page.
func (o *Object) Lookup(off uint64) *page.Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slots[hostarch.PageRoundDown(off)]
}

// Stats describes the committed memory of an object.
type Stats struct {
	// Committed is the number of slots with a private page.
	Committed uint64

	// ZeroShares is the number of slots referring to the zero page.
	ZeroShares uint64

	// Dirty is the number of modified pager-backed pages.
	Dirty uint64
}

// Stats returns the object's current Stats.
func (o *Object) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	var s Stats
	for _, p := range o.slots {
		if o.node.IsZeroPage(p) {
			s.ZeroShares++
		} else {
			s.Committed++
		}
	}
	s.Dirty = uint64(len(o.dirty))
	return s
}

// Destroy releases every page of the object and removes its translations.
// The object must have no pinned pages.
func (o *Object) Destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyLocked()
}

// Preconditions: o.mu must be locked.
func (o *Object) destroyLocked() {
	if o.destroyed {
		return
	}
	for off := range o.slots {
		o.invalidateLocked(off)
		o.releaseSlotLocked(off)
	}
	o.destroyed = true
}

// DedupZeroPage implements page.Owner.DedupZeroPage.
func (o *Object) DedupZeroPage(p *page.Page, off uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.slots[off] != p || p.State() != page.Object {
		// Freed or replaced since it was queued.
		return false
	}
	if p.Pinned() || !o.node.IsZero(p) {
		o.node.Queues().Insert(p, page.Anonymous)
		return false
	}
	z, err := o.node.ZeroPage()
	if err != nil {
		log.Warningf("[SCAN]: no zero page for %v at %#x: %v", o, off, err)
		o.node.Queues().Return(p)
		return false
	}
	o.invalidateLocked(off)
	z.AddShare()
	o.slots[off] = z
	o.node.FreePage(p)
	return true
}

// EvictPage implements page.Owner.EvictPage.
func (o *Object) EvictPage(p *page.Page, off uint64) page.EvictResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.slots[off] != p {
		return page.EvictResult{Status: page.Stale}
	}
	if s := p.State(); s != page.Object {
		panic(fmt.Sprintf("%v slot %#x refers to %v page %v", o, off, s, p))
	}
	if p.Pinned() {
		return page.EvictResult{Status: page.Pinned}
	}
	if p.Class() != page.NoClass {
		// Requeued by a concurrent write.
		return page.EvictResult{Status: page.Ineligible}
	}
	switch o.kind {
	case Anonymous:
		return page.EvictResult{Status: page.Ineligible}
	case PagerBacked:
		if _, ok := o.dirty[off]; ok {
			return page.EvictResult{Status: page.Ineligible}
		}
		o.invalidateLocked(off)
		delete(o.slots, off)
		o.node.FreePage(p)
		return page.EvictResult{Status: page.Evicted, Freed: 1}
	case Discardable:
		return o.discardLocked()
	default:
		panic(fmt.Sprintf("unknown object kind %d", int(o.kind)))
	}
}

// discardLocked drops every page of an unlocked discardable object.
//
// Preconditions: o.mu must be locked. o.kind == Discardable.
func (o *Object) discardLocked() page.EvictResult {
	if o.lockCount > 0 {
		return page.EvictResult{Status: page.Ineligible}
	}
	for _, p := range o.slots {
		if p.Pinned() {
			return page.EvictResult{Status: page.Ineligible}
		}
	}
	var freed uint64
	for off, p := range o.slots {
		if !o.node.IsZeroPage(p) {
			freed++
		}
		o.invalidateLocked(off)
		o.releaseSlotLocked(off)
	}
	o.discarded = true
	log.Debugf("[EVICT]: discarded %v, %d pages", o, freed)
	return page.EvictResult{Status: page.Evicted, Freed: freed}
}
