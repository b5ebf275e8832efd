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

// Bool is an atomic Boolean.
//
// It is implemented by a Uint32, with value 0 indicating false, and 1
// indicating true.
type Bool struct {
	Uint32
}

// FromBool returns a Bool initialized to value val.
func FromBool(val bool) Bool {
	return Bool{FromUint32(b32(val))}
}

func b32(val bool) uint32 {
	if val {
		return 1
	}
	return 0
}

// Load is analogous to atomic.LoadBool, if such a thing existed.
func (b *Bool) Load() bool {
	return b.Uint32.Load() == 1
}

// Store is analogous to atomic.StoreBool, if such a thing existed.
func (b *Bool) Store(val bool) {
	b.Uint32.Store(b32(val))
}

// Swap is analogous to atomic.SwapBool, if such a thing existed.
func (b *Bool) Swap(val bool) bool {
	return b.Uint32.Swap(b32(val)) == 1
}
