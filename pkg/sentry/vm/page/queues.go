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

package page

import (
	"fmt"
	"io"

	"gvisor.dev/reclaim/pkg/atomicbitops"
	"gvisor.dev/reclaim/pkg/sync"
)

// NumGenerations is the number of generation buckets per class.
const NumGenerations = 8

// classQueue is the aging structure for one class.
//
// Generations are absolute counters. mru is the youngest generation and lru
// the oldest; lru <= mru < lru+NumGenerations. Generation g lives in bucket
// g % NumGenerations. A page's recorded gen may be older than lru if its
// bucket was merged into a younger one by aging; its effective generation is
// max(gen, lru).
type classQueue struct {
	mu sync.Mutex

	// +checklocks:mu
	buckets [NumGenerations]pageList

	// +checklocks:mu
	counts [NumGenerations]uint64

	// +checklocks:mu
	mru uint64

	// +checklocks:mu
	lru uint64

	// length is the total number of pages in the class. It is written with
	// mu held and may be read without it.
	length atomicbitops.Uint64
}

func (q *classQueue) effectiveGen(p *Page) uint64 {
	if p.gen < q.lru {
		return q.lru
	}
	return p.gen
}

// Preconditions: q.mu must be locked.
func (q *classQueue) unlinkLocked(p *Page) {
	b := q.effectiveGen(p) % NumGenerations
	q.buckets[b].Remove(p)
	q.counts[b]--
	q.length.Sub(1)
}

// Preconditions: q.mu must be locked.
func (q *classQueue) pushBackLocked(p *Page, gen uint64) {
	b := gen % NumGenerations
	p.gen = gen
	q.buckets[b].PushBack(p)
	q.counts[b]++
	q.length.Add(1)
}

// Preconditions: q.mu must be locked.
func (q *classQueue) pushFrontLocked(p *Page, gen uint64) {
	b := gen % NumGenerations
	p.gen = gen
	q.buckets[b].PushFront(p)
	q.counts[b]++
	q.length.Add(1)
}

// Queues tracks pages by class and age.
//
// Each class has its own lock, so the scanner and evictor can work on
// different classes concurrently. Lock ordering: a class lock is the
// innermost lock in the VM subsystem and no two class locks are ever held at
// once.
type Queues struct {
	classes [NumClasses]classQueue

	// agingDisabled suppresses Age while the reclaimer is disabled.
	agingDisabled atomicbitops.Bool
}

// NewQueues returns empty queues.
func NewQueues() *Queues {
	return &Queues{}
}

func (qs *Queues) queue(c Class) *classQueue {
	if !c.Valid() {
		panic(fmt.Sprintf("invalid queue class %d", int32(c)))
	}
	return &qs.classes[c]
}

// lockPage locks the queue p is tracked in and returns it, or returns nil if
// p is not tracked.
func (qs *Queues) lockPage(p *Page) *classQueue {
	for {
		c := p.Class()
		if c == NoClass {
			return nil
		}
		q := qs.queue(c)
		q.mu.Lock()
		if p.Class() == c {
			return q
		}
		q.mu.Unlock()
	}
}

// Insert adds p to the youngest generation of class c. It returns false, and
// does nothing, if p is already tracked.
func (qs *Queues) Insert(p *Page, c Class) bool {
	switch s := p.State(); s {
	case Object, Wired:
	case Alloc, Zero, Free, Reserved:
		panic(fmt.Sprintf("cannot queue %v page %v", s, p))
	default:
		panic(fmt.Sprintf("unknown page state %d", uint32(s)))
	}
	q := qs.queue(c)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !p.class.CompareAndSwap(int32(NoClass), int32(c)) {
		return false
	}
	q.pushBackLocked(p, q.mru)
	return true
}

// Touch moves p to the youngest generation of its current class. It is a
// no-op if p is untracked or already in the youngest generation.
func (qs *Queues) Touch(p *Page) {
	q := qs.lockPage(p)
	if q == nil {
		return
	}
	defer q.mu.Unlock()
	if q.effectiveGen(p) == q.mru {
		return
	}
	q.unlinkLocked(p)
	q.pushBackLocked(p, q.mru)
}

// Remove stops tracking p. It returns false if p was not tracked.
func (qs *Queues) Remove(p *Page) bool {
	q := qs.lockPage(p)
	if q == nil {
		return false
	}
	defer q.mu.Unlock()
	q.unlinkLocked(p)
	p.class.Store(int32(NoClass))
	return true
}

// MoveTo moves p to the youngest generation of class c, tracking it if it
// was untracked.
func (qs *Queues) MoveTo(p *Page, c Class) {
	if p.Class() == c {
		qs.Touch(p)
		return
	}
	qs.Remove(p)
	qs.Insert(p, c)
}

// Age advances the youngest generation of class c by one. When all buckets
// are in use, the oldest bucket is merged into the next oldest in O(1), with
// its pages placed ahead of that bucket's own pages. Age does nothing while
// aging is disabled.
func (qs *Queues) Age(c Class) {
	if qs.agingDisabled.Load() {
		return
	}
	qs.rotate(c)
}

// rotate ages class c regardless of DisableAging.
func (qs *Queues) rotate(c Class) {
	q := qs.queue(c)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.mru-q.lru == NumGenerations-1 {
		from := q.lru % NumGenerations
		to := (q.lru + 1) % NumGenerations
		q.buckets[to].PushFrontList(&q.buckets[from])
		q.counts[to] += q.counts[from]
		q.counts[from] = 0
		q.lru++
	}
	q.mru++
}

// AgeAll ages every class.
func (qs *Queues) AgeAll() {
	for c := Class(0); c < NumClasses; c++ {
		qs.Age(c)
	}
}

// RotateAll ages every class, even while aging is disabled.
func (qs *Queues) RotateAll() {
	for c := Class(0); c < NumClasses; c++ {
		qs.rotate(c)
	}
}

// DisableAging causes Age to do nothing until EnableAging is called.
func (qs *Queues) DisableAging() {
	qs.agingDisabled.Store(true)
}

// EnableAging reverses DisableAging.
func (qs *Queues) EnableAging() {
	qs.agingDisabled.Store(false)
}

// TakeOldest removes and returns up to limit unpinned pages of class c,
// oldest generation first and in insertion order within a generation.
// Pinned pages are left in place.
func (qs *Queues) TakeOldest(c Class, limit int) []*Page {
	return qs.TakeOldestLevel(c, limit, true)
}

// TakeOldestLevel is TakeOldest, except that the youngest generation is
// skipped if includeNewest is false.
func (qs *Queues) TakeOldestLevel(c Class, limit int, includeNewest bool) []*Page {
	if limit <= 0 {
		return nil
	}
	q := qs.queue(c)
	q.mu.Lock()
	defer q.mu.Unlock()
	end := q.mru
	if !includeNewest {
		if q.mru == q.lru {
			return nil
		}
		end--
	}
	var out []*Page
	for g := q.lru; g <= end && len(out) < limit; g++ {
		b := g % NumGenerations
		for p := q.buckets[b].Front(); p != nil && len(out) < limit; {
			next := p.Next()
			if !p.Pinned() {
				q.unlinkLocked(p)
				p.class.Store(int32(NoClass))
				p.takenFrom = c
				out = append(out, p)
			}
			p = next
		}
	}
	return out
}

// PopZeroFork removes and returns the oldest unpinned zero-fork candidate, or
// nil if there is none.
func (qs *Queues) PopZeroFork() *Page {
	if ps := qs.TakeOldest(ZeroFork, 1); len(ps) == 1 {
		return ps[0]
	}
	return nil
}

// Return reinserts p, which was removed by TakeOldest, into the class and
// generation it was taken from. It goes to the front of that generation, so
// it keeps its place ahead of pages queued after it. If its generation has
// since been merged away, p joins the oldest generation. Return returns false
// if p is tracked again, was never taken, or has been freed.
func (qs *Queues) Return(p *Page) bool {
	c := p.takenFrom
	if c == NoClass {
		return false
	}
	q := qs.queue(c)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !p.class.CompareAndSwap(int32(NoClass), int32(c)) {
		return false
	}
	q.pushFrontLocked(p, q.effectiveGen(p))
	switch s := p.State(); s {
	case Object, Wired:
		return true
	case Free:
		// Freed by its owner after it was taken.
		q.unlinkLocked(p)
		p.class.Store(int32(NoClass))
		return false
	case Alloc, Zero, Reserved:
		panic(fmt.Sprintf("cannot requeue %v page %v", s, p))
	default:
		panic(fmt.Sprintf("unknown page state %d", uint32(s)))
	}
}

// Len returns the number of pages tracked in class c.
func (qs *Queues) Len(c Class) uint64 {
	return qs.queue(c).length.Load()
}

// PageAge returns the age of p within its class: 0 for the youngest
// generation, up to NumGenerations-1 for the oldest. ok is false if p is not
// tracked.
func (qs *Queues) PageAge(p *Page) (age uint64, ok bool) {
	q := qs.lockPage(p)
	if q == nil {
		return 0, false
	}
	defer q.mu.Unlock()
	return q.mru - q.effectiveGen(p), true
}

// ClassCounts summarizes one class.
type ClassCounts struct {
	Class Class

	// Generations holds the number of pages per generation, youngest
	// first.
	Generations [NumGenerations]uint64

	// Pinned counts pages with outstanding pins, Evictable counts unpinned
	// pages of an evictable class, and Other counts the rest.
	Pinned    uint64
	Evictable uint64
	Other     uint64
}

// Total returns the number of pages in the class.
func (cc *ClassCounts) Total() uint64 {
	return cc.Pinned + cc.Evictable + cc.Other
}

// Counts returns a summary of every class. Pinned pages are counted by
// walking the queues; this is meant for diagnostics only.
func (qs *Queues) Counts() []ClassCounts {
	out := make([]ClassCounts, NumClasses)
	for c := Class(0); c < NumClasses; c++ {
		q := &qs.classes[c]
		cc := &out[c]
		cc.Class = c
		q.mu.Lock()
		for g := q.lru; g <= q.mru; g++ {
			b := g % NumGenerations
			cc.Generations[q.mru-g] = q.counts[b]
			for p := q.buckets[b].Front(); p != nil; p = p.Next() {
				switch {
				case p.Pinned():
					cc.Pinned++
				case c.Evictable():
					cc.Evictable++
				default:
					cc.Other++
				}
			}
		}
		q.mu.Unlock()
	}
	return out
}

// Dump writes a per-class generation histogram to w.
func (qs *Queues) Dump(w io.Writer) {
	for _, cc := range qs.Counts() {
		fmt.Fprintf(w, "%-20s total %6d pinned %6d evictable %6d gens", cc.Class, cc.Total(), cc.Pinned, cc.Evictable)
		for _, n := range cc.Generations {
			fmt.Fprintf(w, " %d", n)
		}
		fmt.Fprintln(w)
	}
}
