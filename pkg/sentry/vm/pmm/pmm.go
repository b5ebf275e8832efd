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

// Package pmm hands frames from the frame allocator to the VM subsystem as
// page records, and owns the canonical zero page.
package pmm

import (
	"fmt"

	"gvisor.dev/reclaim/pkg/sentry/pgalloc"
	"gvisor.dev/reclaim/pkg/sentry/usage"
	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sync"
)

// Node is a physical memory node: a frame allocator plus the page queues
// tracking the frames it has handed out.
type Node struct {
	mf     *pgalloc.MemoryFile
	queues *page.Queues

	// states counts page records by page.State. Counts are read without
	// synchronizing with concurrent transitions.
	states *usage.Counters

	zeroMu sync.Mutex

	// zero is the canonical zero page, created on first use.
	//
	// zero is protected by zeroMu.
	zero *page.Page
}

// NewNode returns a Node allocating from mf and tracking pages in queues.
func NewNode(mf *pgalloc.MemoryFile, queues *page.Queues) *Node {
	return &Node{
		mf:     mf,
		queues: queues,
		states: usage.NewCounters(int(page.NumStates)),
	}
}

// Queues returns the node's page queues.
func (n *Node) Queues() *page.Queues {
	return n.queues
}

// MemoryFile returns the node's frame allocator.
func (n *Node) MemoryFile() *pgalloc.MemoryFile {
	return n.mf
}

// AllocPage allocates a zero-filled frame charged to kind and returns its
// record in state page.Alloc.
func (n *Node) AllocPage(kind usage.MemoryKind) (*page.Page, error) {
	fr, err := n.mf.Allocate(kind)
	if err != nil {
		return nil, err
	}
	n.states.Add(int(page.Alloc), 1)
	return page.New(fr), nil
}

// SetState moves p to state to, keeping the per-state counts in sync.
func (n *Node) SetState(p *page.Page, to page.State) {
	from := p.Transition(to)
	n.states.Move(int(from), int(to))
}

// FreePage returns p's frame to the allocator and stops tracking p. p must
// not be pinned, and must not be the zero page.
//
// A page may be requeued by a reclaimer that raced with its owner freeing it;
// FreePage untracks p after it becomes Free, and Queues.Return refuses pages
// that are no longer in use, so one of the two always sees the other.
func (n *Node) FreePage(p *page.Page) {
	if p.Pinned() {
		panic(fmt.Sprintf("freeing pinned page %v", p))
	}
	p.ClearBacklink()
	n.SetState(p, page.Free)
	n.queues.Remove(p)
	n.mf.Free(p.Frame())
}

// ZeroPage returns the canonical zero page, allocating it on first use. It
// fails only if no frame is available for it.
func (n *Node) ZeroPage() (*page.Page, error) {
	n.zeroMu.Lock()
	defer n.zeroMu.Unlock()
	if n.zero != nil {
		return n.zero, nil
	}
	fr, err := n.mf.ZeroFrame()
	if err != nil {
		return nil, fmt.Errorf("allocating zero page: %w", err)
	}
	p := page.New(fr)
	n.states.Add(int(page.Alloc), 1)
	n.SetState(p, page.Zero)
	n.zero = p
	return p, nil
}

// IsZeroPage returns true if p is the canonical zero page.
func (n *Node) IsZeroPage(p *page.Page) bool {
	n.zeroMu.Lock()
	defer n.zeroMu.Unlock()
	return p != nil && p == n.zero
}

// ZeroShares returns the share count of the zero page, or 0 if it has not
// been allocated.
func (n *Node) ZeroShares() uint64 {
	n.zeroMu.Lock()
	defer n.zeroMu.Unlock()
	if n.zero == nil {
		return 0
	}
	return n.zero.ShareCount()
}

// Bytes returns the contents of p's frame.
func (n *Node) Bytes(p *page.Page) []byte {
	return n.mf.Bytes(p.Frame())
}

// IsZero returns true if p's frame holds only zeroes.
func (n *Node) IsZero(p *page.Page) bool {
	return n.mf.IsZero(p.Frame())
}

// Recharge moves the accounting of p to kind.
func (n *Node) Recharge(p *page.Page, kind usage.MemoryKind) {
	n.mf.Recharge(p.Frame(), kind)
}

// FreeFrames returns the number of free frames.
func (n *Node) FreeFrames() uint64 {
	return n.mf.FreeFrames()
}

// TotalFrames returns the number of frames managed by the node.
func (n *Node) TotalFrames() uint64 {
	return n.mf.TotalFrames()
}

// StateCounts returns the number of live page records in each state, indexed
// by page.State. The counts may be slightly stale under concurrent updates.
func (n *Node) StateCounts() []int64 {
	return n.states.Snapshot()
}
