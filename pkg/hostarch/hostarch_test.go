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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr    Addr
		down    Addr
		up      Addr
		aligned bool
	}{
		{addr: 0, down: 0, up: 0, aligned: true},
		{addr: 1, down: 0, up: PageSize},
		{addr: PageSize, down: PageSize, up: PageSize, aligned: true},
		{addr: PageSize + 17, down: PageSize, up: 2 * PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp() = %v, %t, want %v, true", tc.addr, got, ok, tc.up)
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.aligned)
		}
	}
}

func TestPageTableBase(t *testing.T) {
	a := Addr(3*PageTableSpan + 5*PageSize + 12)
	if got, want := a.PageTableBase(), Addr(3*PageTableSpan); got != want {
		t.Errorf("PageTableBase() = %v, want %v", got, want)
	}
}

func TestRoundUpOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the top address should overflow")
	}
}
