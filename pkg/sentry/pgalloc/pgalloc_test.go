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

package pgalloc

import (
	"errors"
	"testing"

	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/sentry/usage"
)

func newTestFile(t *testing.T, frames uint64, decommit bool) *MemoryFile {
	t.Helper()
	f, err := NewMemoryFile(MemoryFileOpts{Frames: frames, DisableDecommit: !decommit}, nil)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() {
		if err := f.Destroy(); err != nil {
			t.Errorf("Destroy failed: %v", err)
		}
	})
	return f
}

func TestAllocateFree(t *testing.T) {
	f := newTestFile(t, 4, true)
	var frames []FrameNum
	for i := 0; i < 4; i++ {
		fr, err := f.Allocate(usage.Anonymous)
		if err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
		if fr != FrameNum(i) {
			t.Errorf("Allocate #%d = frame %d, want %d", i, fr, i)
		}
		frames = append(frames, fr)
	}
	if _, err := f.Allocate(usage.Anonymous); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Allocate on full file: got err %v, want %v", err, ErrNoMemory)
	}
	if got := f.TotalUsage(); got != 4*hostarch.PageSize {
		t.Errorf("TotalUsage = %d, want %d", got, 4*hostarch.PageSize)
	}
	for _, fr := range frames {
		f.Free(fr)
	}
	if got := f.FreeFrames(); got != 4 {
		t.Errorf("FreeFrames = %d, want 4", got)
	}
	if got := f.TotalUsage(); got != 0 {
		t.Errorf("TotalUsage after free = %d, want 0", got)
	}
}

func TestFreedFramesAreZero(t *testing.T) {
	for _, decommit := range []bool{true, false} {
		f := newTestFile(t, 1, decommit)
		fr, err := f.Allocate(usage.Anonymous)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		b := f.Bytes(fr)
		b[0], b[hostarch.PageSize-1] = 0xaa, 0x55
		if f.IsZero(fr) {
			t.Fatalf("IsZero reports a written frame as zero")
		}
		f.Free(fr)
		fr, err = f.Allocate(usage.Anonymous)
		if err != nil {
			t.Fatalf("re-Allocate failed: %v", err)
		}
		if !f.IsZero(fr) {
			t.Errorf("decommit=%t: reallocated frame is not zero", decommit)
		}
	}
}

func TestZeroFrame(t *testing.T) {
	f := newTestFile(t, 2, true)
	z1, err := f.ZeroFrame()
	if err != nil {
		t.Fatalf("ZeroFrame failed: %v", err)
	}
	z2, err := f.ZeroFrame()
	if err != nil {
		t.Fatalf("second ZeroFrame failed: %v", err)
	}
	if z1 != z2 {
		t.Errorf("ZeroFrame is not canonical: %d != %d", z1, z2)
	}
	if !f.IsZeroFrame(z1) || !f.IsZero(z1) {
		t.Errorf("zero frame %d not reported as zero", z1)
	}
	if got := f.FreeFrames(); got != 1 {
		t.Errorf("FreeFrames = %d, want 1", got)
	}
}

func TestZeroFrameExhaustion(t *testing.T) {
	f := newTestFile(t, 1, true)
	if _, err := f.Allocate(usage.Anonymous); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := f.ZeroFrame(); !errors.Is(err, ErrNoMemory) {
		t.Errorf("ZeroFrame on full file: got err %v, want %v", err, ErrNoMemory)
	}
}

func TestFreePanics(t *testing.T) {
	f := newTestFile(t, 2, true)
	z, err := f.ZeroFrame()
	if err != nil {
		t.Fatalf("ZeroFrame failed: %v", err)
	}
	fr, err := f.Allocate(usage.Anonymous)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	f.Free(fr)
	for name, fn := range map[string]func(){
		"double free": func() { f.Free(fr) },
		"zero frame":  func() { f.Free(z) },
		"range":       func() { f.Free(100) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: Free did not panic", name)
				}
			}()
			fn()
		}()
	}
}

func TestRecharge(t *testing.T) {
	var acct usage.MemoryLocked
	f, err := NewMemoryFile(MemoryFileOpts{Frames: 1}, &acct)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	defer f.Destroy()
	fr, err := f.Allocate(usage.Anonymous)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	f.Recharge(fr, usage.PageCache)
	stats, _ := acct.Copy()
	if stats.Anonymous != 0 || stats.PageCache != hostarch.PageSize {
		t.Errorf("unexpected stats after Recharge: %+v", stats)
	}
}
