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

package cmd

import (
	"fmt"

	"gvisor.dev/reclaim/pkg/cleanup"
	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/sentry/vm"
	"gvisor.dev/reclaim/pkg/sentry/vm/aspace"
	"gvisor.dev/reclaim/pkg/sentry/vm/vmo"
)

// Workload layout in every process.
const (
	heapBase  = hostarch.Addr(0x10000000)
	cacheBase = hostarch.Addr(0x20000000)
	fileBase  = hostarch.Addr(0x30000000)
)

// patternPager produces file contents derived from the offset.
type patternPager struct{}

// ReadAt implements io.ReaderAt.ReadAt.
func (patternPager) ReadAt(b []byte, off int64) (int, error) {
	for i := range b {
		b[i] = byte(off+int64(i)) | 1
	}
	return len(b), nil
}

// workload is a synthetic set of processes that exercises every queue class.
//
// Each process maps a private heap whose first half holds data and whose
// second half is committed but zero, a discardable cache, and a shared
// pager-backed file that it reads in full.
type workload struct {
	sys     *vm.System
	spaces  []*aspace.AddressSpace
	objects []*vmo.Object
}

// newWorkload builds a workload of processes address spaces mapping pages
// pages each.
func newWorkload(sys *vm.System, processes, pages int) (*workload, error) {
	w := &workload{sys: sys}
	cu := cleanup.Make(w.release)
	defer cu.Clean()

	if processes == 0 || pages == 0 {
		cu.Release()
		return w, nil
	}
	size := uint64(pages) * hostarch.PageSize
	file, err := vmo.NewPagerBacked(sys.Node(), "shared-file", size, patternPager{})
	if err != nil {
		return nil, err
	}
	w.objects = append(w.objects, file)

	buf := make([]byte, hostarch.PageSize)
	for i := 0; i < processes; i++ {
		name := fmt.Sprintf("proc-%d", i)
		as := w.sys.NewAddressSpace(name)
		w.spaces = append(w.spaces, as)

		heap, err := vmo.NewAnonymous(sys.Node(), name+"-heap", size)
		if err != nil {
			return nil, err
		}
		w.objects = append(w.objects, heap)
		if _, err := as.Map(heapBase, size, heap, 0, true); err != nil {
			return nil, fmt.Errorf("mapping heap of %s: %w", name, err)
		}
		for p := 0; p < pages/2; p++ {
			if err := as.Write(heapBase+hostarch.Addr(p)*hostarch.PageSize, []byte(name)); err != nil {
				return nil, fmt.Errorf("writing heap of %s: %w", name, err)
			}
		}
		if err := heap.CommitRange(0, size); err != nil {
			return nil, fmt.Errorf("committing heap of %s: %w", name, err)
		}

		cacheSize := uint64(pages/4) * hostarch.PageSize
		if cacheSize > 0 {
			cache, err := vmo.NewDiscardable(sys.Node(), name+"-cache", cacheSize)
			if err != nil {
				return nil, err
			}
			w.objects = append(w.objects, cache)
			if _, err := as.Map(cacheBase, cacheSize, cache, 0, true); err != nil {
				return nil, fmt.Errorf("mapping cache of %s: %w", name, err)
			}
			if err := cache.CommitRange(0, cacheSize); err != nil {
				return nil, fmt.Errorf("committing cache of %s: %w", name, err)
			}
		}

		if _, err := as.Map(fileBase, size, file, 0, false); err != nil {
			return nil, fmt.Errorf("mapping file in %s: %w", name, err)
		}
		for p := 0; p < pages; p++ {
			if err := as.Read(fileBase+hostarch.Addr(p)*hostarch.PageSize, buf); err != nil {
				return nil, fmt.Errorf("reading file in %s: %w", name, err)
			}
		}
	}
	cu.Release()
	log.Infof("Workload: %d processes of %d pages, %d free frames", processes, pages, sys.Node().FreeFrames())
	return w, nil
}

// release destroys the workload's address spaces and objects.
func (w *workload) release() {
	for _, as := range w.spaces {
		w.sys.DestroyAddressSpace(as)
	}
	for _, o := range w.objects {
		o.Destroy()
	}
	w.spaces, w.objects = nil, nil
}
