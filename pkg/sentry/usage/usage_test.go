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

package usage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestMemoryAccounting(t *testing.T) {
	var m MemoryLocked
	m.Inc(4096, Anonymous)
	m.Inc(8192, PageCache)
	m.Move(4096, System, PageCache)
	m.Dec(4096, Anonymous)

	got, total := m.Copy()
	want := MemoryStats{System: 4096, PageCache: 4096}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}
	if total != 8192 {
		t.Errorf("total = %d, want 8192", total)
	}
}

func TestCountersConcurrent(t *testing.T) {
	c := NewCounters(3)
	const (
		workers = 8
		iters   = 1000
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < iters; i++ {
				c.Add(0, 1)
				c.Move(0, 1)
				c.Add(2, 2)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("workers failed: %v", err)
	}
	want := []int64{0, workers * iters, 2 * workers * iters}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Errorf("unexpected counts (-want +got):\n%s", diff)
	}
}

func TestNewCountersBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("NewCounters(%d) did not panic", MaxCounters+1)
		}
	}()
	NewCounters(MaxCounters + 1)
}
