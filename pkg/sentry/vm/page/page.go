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

// Package page defines the per-frame page record and the generation queues
// that order page records by age for reclamation.
package page

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/reclaim/pkg/atomicbitops"
	"gvisor.dev/reclaim/pkg/sentry/pgalloc"
)

// State is the reclaim state of a page record.
type State uint32

const (
	// Free is a record whose frame has been returned to the allocator.
	// It is terminal.
	Free State = iota

	// Alloc is a freshly allocated record not yet owned by anything.
	Alloc

	// Object is a record backing a page of a memory object.
	Object

	// Zero is the canonical zero page.
	Zero

	// Wired is a record pinned for the lifetime of its owner, outside any
	// object.
	Wired

	// Reserved is a record that was never handed to the VM subsystem. It
	// is terminal.
	Reserved

	// NumStates is the number of page states.
	NumStates
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Alloc:
		return "alloc"
	case Object:
		return "object"
	case Zero:
		return "zero"
	case Wired:
		return "wired"
	case Reserved:
		return "reserved"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// canTransition returns true if a record may move from state s to state to.
func (s State) canTransition(to State) bool {
	switch s {
	case Alloc:
		return to == Object || to == Wired || to == Zero || to == Free
	case Object, Wired, Zero:
		return to == Free
	case Free, Reserved:
		return false
	default:
		panic(fmt.Sprintf("unknown page state %d", uint32(s)))
	}
}

// Class is a logical queue class. A tracked page belongs to exactly one
// class.
type Class int32

const (
	// NoClass is the class of a page that is not tracked by any queue.
	NoClass Class = -1

	// ZeroFork holds anonymous pages created by copy-on-write from zero or
	// from a parent object. They are candidates for zero-page
	// deduplication.
	ZeroFork Class = iota - 1

	// Anonymous holds anonymous pages known to hold data. They cannot be
	// reclaimed without a backing store.
	Anonymous

	// PagerBacked holds clean pages of pager-backed objects. They can be
	// dropped and refetched from the pager.
	PagerBacked

	// PagerBackedDirty holds modified pages of pager-backed objects. They
	// must be written back before they can be evicted.
	PagerBackedDirty

	// Discardable holds pages of discardable objects, which may be
	// discarded wholesale while unlocked.
	Discardable

	// WiredClass holds pages that are tracked for accounting only and are
	// never reclaimed.
	WiredClass

	// NumClasses is the number of queue classes.
	NumClasses
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case NoClass:
		return "none"
	case ZeroFork:
		return "zero_fork"
	case Anonymous:
		return "anonymous"
	case PagerBacked:
		return "pager_backed"
	case PagerBackedDirty:
		return "pager_backed_dirty"
	case Discardable:
		return "discardable"
	case WiredClass:
		return "wired"
	default:
		return fmt.Sprintf("Class(%d)", int32(c))
	}
}

// Valid returns true if c names a queue.
func (c Class) Valid() bool {
	return c >= 0 && c < NumClasses
}

// Evictable returns true if pages of class c may be evicted.
func (c Class) Evictable() bool {
	switch c {
	case PagerBacked, Discardable:
		return true
	case ZeroFork, Anonymous, PagerBackedDirty, WiredClass:
		return false
	default:
		panic(fmt.Sprintf("unknown queue class %d", int32(c)))
	}
}

// ParseClass parses a class name as produced by Class.String.
func ParseClass(s string) (Class, error) {
	for c := Class(0); c < NumClasses; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return NoClass, fmt.Errorf("unknown queue class %q", s)
}

// EvictStatus is the outcome of an eviction attempt on a single page.
type EvictStatus int

const (
	// Evicted means the page was reclaimed and its frame freed.
	Evicted EvictStatus = iota

	// Pinned means the page became pinned before the owner could evict
	// it. The page keeps its aging position.
	Pinned

	// Ineligible means the owner declined to evict the page, for example
	// because it is dirty or its object is locked. The page keeps its
	// aging position.
	Ineligible

	// Stale means the record no longer backs the owner at that offset. The
	// owner has already dealt with it.
	Stale
)

// EvictResult is returned by Owner.EvictPage.
type EvictResult struct {
	Status EvictStatus

	// Freed is the number of frames freed. It may exceed one when the
	// owner reclaims more than the requested page at once.
	Freed uint64
}

// Owner is implemented by the collaborator that owns object-backed pages.
// Owners revalidate their backlink under their own lock, since the reclaimer
// reaches them through a page it removed from a queue without holding that
// lock.
type Owner interface {
	// DedupZeroPage replaces p, which must be at offset off, with the
	// canonical zero page if p's contents are entirely zero. It returns
	// true if p was freed.
	DedupZeroPage(p *Page, off uint64) bool

	// EvictPage reclaims p, which must be at offset off.
	EvictPage(p *Page, off uint64) EvictResult
}

// Backlink identifies the owner of an object-backed page.
type Backlink struct {
	Owner  Owner
	Offset uint64
}

// Page is the bookkeeping record for a single frame owned by the VM
// subsystem.
type Page struct {
	// pageEntry links the page into a generation bucket. It is protected
	// by the lock of the page's current class.
	pageEntry

	frame pgalloc.FrameNum

	// state is the page's State.
	state atomicbitops.Uint32

	// pins is the number of outstanding pins. A pinned page is never
	// returned by Queues.TakeOldest.
	pins atomicbitops.Int32

	// shares is the number of logical pages referencing this frame. It is
	// only meaningful for the canonical zero page.
	shares atomicbitops.Uint64

	// class is the queue class the page is tracked in, or NoClass. It is
	// written only with that class's lock held, so a reader that loads it
	// and then acquires the class lock can recheck it.
	class atomicbitops.Int32

	// gen is the absolute generation the page was last placed in. It is
	// protected by the class lock.
	gen uint64

	// takenFrom is the class the page was last removed from by TakeOldest.
	// It is protected by the class lock at removal and is owned by the
	// taker afterwards.
	takenFrom Class

	backlink atomic.Pointer[Backlink]
}

// New returns a record for frame in state Alloc.
func New(frame pgalloc.FrameNum) *Page {
	p := &Page{frame: frame, takenFrom: NoClass}
	p.state.Store(uint32(Alloc))
	p.class.Store(int32(NoClass))
	return p
}

// Frame returns the frame backing p.
func (p *Page) Frame() pgalloc.FrameNum {
	return p.frame
}

// State returns p's current state.
func (p *Page) State() State {
	return State(p.state.Load())
}

// Transition moves p to state to. It panics if the transition is invalid.
func (p *Page) Transition(to State) State {
	for {
		from := p.State()
		if !from.canTransition(to) {
			panic(fmt.Sprintf("invalid page state transition %v -> %v for frame %d", from, to, p.frame))
		}
		if p.state.CompareAndSwap(uint32(from), uint32(to)) {
			return from
		}
	}
}

// Pin increments p's pin count.
func (p *Page) Pin() {
	p.pins.Add(1)
}

// Unpin decrements p's pin count.
func (p *Page) Unpin() {
	if p.pins.Add(-1) < 0 {
		panic(fmt.Sprintf("pin count underflow for frame %d", p.frame))
	}
}

// Pinned returns true if p has outstanding pins.
func (p *Page) Pinned() bool {
	return p.pins.Load() > 0
}

// PinCount returns p's pin count.
func (p *Page) PinCount() int32 {
	return p.pins.Load()
}

// AddShare records an additional logical page referencing p.
func (p *Page) AddShare() uint64 {
	return p.shares.Add(1)
}

// DropShare releases a logical page referencing p.
func (p *Page) DropShare() uint64 {
	for {
		s := p.shares.Load()
		if s == 0 {
			panic(fmt.Sprintf("share count underflow for frame %d", p.frame))
		}
		if p.shares.CompareAndSwap(s, s-1) {
			return s - 1
		}
	}
}

// ShareCount returns the number of logical pages referencing p.
func (p *Page) ShareCount() uint64 {
	return p.shares.Load()
}

// Class returns the class p is currently tracked in, or NoClass.
func (p *Page) Class() Class {
	return Class(p.class.Load())
}

// SetBacklink records p's owner. It is called by the owner with its own lock
// held.
func (p *Page) SetBacklink(owner Owner, off uint64) {
	p.backlink.Store(&Backlink{Owner: owner, Offset: off})
}

// ClearBacklink removes p's owner.
func (p *Page) ClearBacklink() {
	p.backlink.Store(nil)
}

// Backlink returns p's owner, or nil.
func (p *Page) Backlink() *Backlink {
	return p.backlink.Load()
}

// String implements fmt.Stringer.String.
func (p *Page) String() string {
	return fmt.Sprintf("page{frame=%d state=%v class=%v pins=%d}", p.frame, p.State(), p.Class(), p.PinCount())
}
