// Copyright 2022 The gVisor Authors.
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

package atomicbitops

import (
	"runtime"
	"testing"

	"gvisor.dev/reclaim/pkg/sync"
)

func TestOrAnd(t *testing.T) {
	u := FromUint32(0x1)
	if prev := u.Or(0x6); prev != 0x1 {
		t.Errorf("Or returned %#x, want 0x1", prev)
	}
	if got := u.Load(); got != 0x7 {
		t.Errorf("after Or: got %#x, want 0x7", got)
	}
	if prev := u.And(^uint32(0x2)); prev != 0x7 {
		t.Errorf("And returned %#x, want 0x7", prev)
	}
	if got := u.Load(); got != 0x5 {
		t.Errorf("after And: got %#x, want 0x5", got)
	}
}

func TestOrConcurrent(t *testing.T) {
	var u Uint32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(bit uint32) {
			defer wg.Done()
			runtime.Gosched()
			u.Or(1 << bit)
		}(uint32(i))
	}
	wg.Wait()
	if got := u.Load(); got != ^uint32(0) {
		t.Errorf("got %#x, want all bits set", got)
	}
}

func TestUint64Sub(t *testing.T) {
	u := FromUint64(10)
	if got := u.Sub(3); got != 7 {
		t.Errorf("Sub(3) = %d, want 7", got)
	}
	if old := u.Swap(0); old != 7 {
		t.Errorf("Swap(0) = %d, want 7", old)
	}
	if got := u.Load(); got != 0 {
		t.Errorf("Load after Swap = %d, want 0", got)
	}
}

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Errorf("FromBool(true).Load() = false")
	}
	if old := b.Swap(false); !old {
		t.Errorf("Swap returned false, want true")
	}
	if b.Load() {
		t.Errorf("Load after Swap(false) = true")
	}
}
