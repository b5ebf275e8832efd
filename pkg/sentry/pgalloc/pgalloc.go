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

// Package pgalloc contains the frame allocator subsystem, which manages the
// physical memory handed out to the VM subsystem.
package pgalloc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/reclaim/pkg/atomicbitops"
	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/sentry/usage"
	"gvisor.dev/reclaim/pkg/sync"
)

// ErrNoMemory is returned when every frame in the MemoryFile is in use.
var ErrNoMemory = errors.New("pgalloc: out of frames")

// FrameNum is the index of a frame in a MemoryFile.
type FrameNum uint64

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Frames is the number of frames in the file. It must be non-zero.
	Frames uint64

	// DisableDecommit causes freed frames to be zeroed in place rather
	// than returned to the host with madvise(MADV_DONTNEED).
	DisableDecommit bool
}

// frameState is the allocation state of a single frame.
type frameState uint8

const (
	frameFree frameState = iota
	frameUsed
	frameZero
)

// MemoryFile is a fixed-size arena of frames backed by an anonymous host
// mapping.
//
// Each frame is in one of the following states, protected by mu:
//
//   - Free: the frame is on the free stack and its contents are zero.
//     Freeing a frame decommits it, so free frames are also assumed to be
//     uncommitted.
//
//   - Used: the frame has been allocated and belongs to exactly one caller,
//     who is responsible for freeing it.
//
//   - Zero: the frame is the canonical zero frame. It is allocated on first
//     use, mapped read-only for the remaining lifetime of the MemoryFile, and
//     never freed.
type MemoryFile struct {
	opts MemoryFileOpts

	// mapping is the host mapping backing all frames. It is immutable after
	// construction and is unmapped by Destroy.
	mapping []byte

	// accounting is charged for every used frame.
	accounting *usage.MemoryLocked

	mu sync.Mutex

	// free is a stack of free frames.
	//
	// free is protected by mu.
	free []FrameNum

	// state and kind record the state of each frame, and for used frames
	// the memory kind it was charged to.
	//
	// state and kind are protected by mu.
	state []frameState
	kind  []usage.MemoryKind

	// zeroFrame is the canonical zero frame. It is valid iff zeroValid is
	// true.
	//
	// zeroFrame and zeroValid are protected by mu.
	zeroFrame FrameNum
	zeroValid bool

	// destroyed is set by Destroy.
	//
	// destroyed is protected by mu.
	destroyed bool

	// freeFrames is the length of free. It is maintained separately so that
	// readers need not take mu.
	freeFrames atomicbitops.Uint64
}

// NewMemoryFile creates a MemoryFile holding opts.Frames frames, all of them
// initially free. accounting may be nil.
func NewMemoryFile(opts MemoryFileOpts, accounting *usage.MemoryLocked) (*MemoryFile, error) {
	if opts.Frames == 0 {
		return nil, fmt.Errorf("pgalloc: MemoryFile must have at least one frame")
	}
	size := opts.Frames * hostarch.PageSize
	if size/hostarch.PageSize != opts.Frames || int(size) < 0 {
		return nil, fmt.Errorf("pgalloc: %d frames overflows the address space", opts.Frames)
	}
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pgalloc: failed to map %d bytes: %w", size, err)
	}
	if accounting == nil {
		accounting = &usage.MemoryLocked{}
	}
	f := &MemoryFile{
		opts:       opts,
		mapping:    m,
		accounting: accounting,
		free:       make([]FrameNum, opts.Frames),
		state:      make([]frameState, opts.Frames),
		kind:       make([]usage.MemoryKind, opts.Frames),
	}
	// Frame 0 is at the top of the stack so that frames are handed out in
	// ascending order from a fresh file.
	for i := range f.free {
		f.free[i] = FrameNum(opts.Frames - 1 - uint64(i))
	}
	f.freeFrames.Store(opts.Frames)
	return f, nil
}

// Allocate returns a free frame, charged to kind. The contents of the
// returned frame are zero.
func (f *MemoryFile) Allocate(kind usage.MemoryKind) (FrameNum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		panic("pgalloc: Allocate called on destroyed MemoryFile")
	}
	if len(f.free) == 0 {
		return 0, ErrNoMemory
	}
	fr := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	f.freeFrames.Store(uint64(len(f.free)))
	f.state[fr] = frameUsed
	f.kind[fr] = kind
	f.accounting.Inc(hostarch.PageSize, kind)
	return fr, nil
}

// Free returns fr to the free pool. fr must have been returned by Allocate
// and not freed since.
func (f *MemoryFile) Free(fr FrameNum) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkFrame(fr)
	switch f.state[fr] {
	case frameUsed:
	case frameFree:
		panic(fmt.Sprintf("pgalloc: double free of frame %d", fr))
	case frameZero:
		panic(fmt.Sprintf("pgalloc: attempt to free the canonical zero frame %d", fr))
	default:
		panic(fmt.Sprintf("pgalloc: frame %d has unknown state %d", fr, f.state[fr]))
	}
	f.decommit(fr)
	f.accounting.Dec(hostarch.PageSize, f.kind[fr])
	f.state[fr] = frameFree
	f.free = append(f.free, fr)
	f.freeFrames.Store(uint64(len(f.free)))
}

// Recharge moves the accounting of used frame fr to kind.
func (f *MemoryFile) Recharge(fr FrameNum, kind usage.MemoryKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkFrame(fr)
	if f.state[fr] != frameUsed {
		panic(fmt.Sprintf("pgalloc: Recharge of unused frame %d", fr))
	}
	f.accounting.Move(hostarch.PageSize, kind, f.kind[fr])
	f.kind[fr] = kind
}

// decommit zeroes fr and releases its backing memory to the host.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) decommit(fr FrameNum) {
	b := f.bytes(fr)
	if !f.opts.DisableDecommit {
		// MADV_DONTNEED on a private anonymous mapping discards the
		// contents; later accesses observe zero-filled pages.
		err := unix.Madvise(b, unix.MADV_DONTNEED)
		if err == nil {
			return
		}
		log.Warningf("madvise(MADV_DONTNEED) of frame %d failed, zeroing in place: %v", fr, err)
	}
	clear(b)
}

// ZeroFrame returns the canonical zero frame, allocating it on first use.
// The zero frame is mapped read-only; writing to it is a fatal error.
func (f *MemoryFile) ZeroFrame() (FrameNum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zeroValid {
		return f.zeroFrame, nil
	}
	if len(f.free) == 0 {
		return 0, ErrNoMemory
	}
	fr := f.free[len(f.free)-1]
	if err := unix.Mprotect(f.bytes(fr), unix.PROT_READ); err != nil {
		return 0, fmt.Errorf("pgalloc: failed to protect zero frame: %w", err)
	}
	f.free = f.free[:len(f.free)-1]
	f.freeFrames.Store(uint64(len(f.free)))
	f.state[fr] = frameZero
	f.kind[fr] = usage.System
	f.accounting.Inc(hostarch.PageSize, usage.System)
	f.zeroFrame = fr
	f.zeroValid = true
	return fr, nil
}

// IsZeroFrame returns true if fr is the canonical zero frame.
func (f *MemoryFile) IsZeroFrame(fr FrameNum) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zeroValid && f.zeroFrame == fr
}

// Bytes returns the contents of fr. The returned slice aliases the frame and
// remains valid until fr is freed.
func (f *MemoryFile) Bytes(fr FrameNum) []byte {
	f.checkFrame(fr)
	return f.bytes(fr)
}

func (f *MemoryFile) bytes(fr FrameNum) []byte {
	off := uint64(fr) * hostarch.PageSize
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

func (f *MemoryFile) checkFrame(fr FrameNum) {
	if uint64(fr) >= f.opts.Frames {
		panic(fmt.Sprintf("pgalloc: frame %d out of range [0, %d)", fr, f.opts.Frames))
	}
}

// IsZero returns true if every byte of fr is zero.
func (f *MemoryFile) IsZero(fr FrameNum) bool {
	b := f.Bytes(fr)
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// TotalFrames returns the number of frames in the file.
func (f *MemoryFile) TotalFrames() uint64 {
	return f.opts.Frames
}

// FreeFrames returns the number of frames available to Allocate.
func (f *MemoryFile) FreeFrames() uint64 {
	return f.freeFrames.Load()
}

// TotalUsage returns the number of bytes charged for used frames.
func (f *MemoryFile) TotalUsage() uint64 {
	return f.accounting.Total()
}

// Destroy releases all resources used by f. No frame may be accessed after
// Destroy.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	if err := unix.Munmap(f.mapping); err != nil {
		return fmt.Errorf("pgalloc: munmap failed: %w", err)
	}
	return nil
}
