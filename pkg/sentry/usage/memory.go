// Copyright 2018 The gVisor Authors.
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

// Package usage provides representations of memory usage.
package usage

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/reclaim/pkg/sync"
)

// MemoryKind represents a type of memory held by the VM subsystem.
type MemoryKind int

const (
	// System represents memory used by the VM subsystem itself: the
	// canonical zero frame and page tables.
	System MemoryKind = iota

	// Anonymous represents anonymous memory, including discardable
	// memory.
	Anonymous

	// PageCache represents memory holding the contents of pager-backed
	// objects. Clean pages of this kind can be dropped and refetched.
	PageCache

	// Wired represents memory that is pinned for the life of its owner
	// and is never reclaimed.
	Wired
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "system"
	case Anonymous:
		return "anonymous"
	case PageCache:
		return "page-cache"
	case Wired:
		return "wired"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. All fields correspond to the
// memory category with the same name. This object is thread-safe if accessed
// through the provided methods. The public fields may be safely accessed
// directly on a copy of the object obtained from MemoryLocked.Copy().
type MemoryStats struct {
	// +checkatomic
	System uint64
	// +checkatomic
	Anonymous uint64
	// +checkatomic
	PageCache uint64
	// +checkatomic
	Wired uint64
}

// MemoryLocked is MemoryStats with access methods.
type MemoryLocked struct {
	mu sync.RWMutex
	// MemoryStats records the memory stats.
	MemoryStats
}

func (m *MemoryLocked) field(kind MemoryKind) *uint64 {
	switch kind {
	case System:
		return &m.System
	case Anonymous:
		return &m.Anonymous
	case PageCache:
		return &m.PageCache
	case Wired:
		return &m.Wired
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

// Inc adds an additional usage of 'val' bytes to memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Inc(val uint64, kind MemoryKind) {
	m.mu.RLock()
	atomic.AddUint64(m.field(kind), val)
	m.mu.RUnlock()
}

// Dec remove a usage of 'val' bytes from memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Dec(val uint64, kind MemoryKind) {
	m.mu.RLock()
	atomic.AddUint64(m.field(kind), ^(val - 1))
	m.mu.RUnlock()
}

// Move moves a usage of 'val' bytes from 'from' to 'to'.
//
// This method is thread-safe.
func (m *MemoryLocked) Move(val uint64, to MemoryKind, from MemoryKind) {
	if to == from {
		return
	}
	m.mu.RLock()
	// We hold the RLock to protect against concurrent callers to Total().
	atomic.AddUint64(m.field(from), ^(val - 1))
	atomic.AddUint64(m.field(to), val)
	m.mu.RUnlock()
}

// totalLocked returns a total usage.
//
// Precondition: must be called when locked.
func (m *MemoryLocked) totalLocked() (total uint64) {
	total += atomic.LoadUint64(&m.System)
	total += atomic.LoadUint64(&m.Anonymous)
	total += atomic.LoadUint64(&m.PageCache)
	total += atomic.LoadUint64(&m.Wired)
	return
}

// Total returns a total memory usage.
//
// This method is thread-safe.
func (m *MemoryLocked) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

// Copy returns a copy of the structure with a total.
//
// This method is thread-safe.
func (m *MemoryLocked) Copy() (MemoryStats, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := MemoryStats{
		System:    atomic.LoadUint64(&m.System),
		Anonymous: atomic.LoadUint64(&m.Anonymous),
		PageCache: atomic.LoadUint64(&m.PageCache),
		Wired:     atomic.LoadUint64(&m.Wired),
	}
	return ms, m.totalLocked()
}
