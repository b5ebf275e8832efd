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

// Package atomicbitops provides extensions to the sync/atomic package.
//
// All read-modify-write operations implemented by this package have
// acquire-release memory ordering (like sync/atomic).
//
// The types in this package must not be copied after first use. Use the
// FromX constructors to initialize them by value.
package atomicbitops

import (
	"sync/atomic"

	"gvisor.dev/reclaim/pkg/sync"
)

// Int32 is an atomic int32.
//
// The default value is zero.
//
// Don't add fields to this struct. It is important that it remain the same
// size as its builtin analogue.
type Int32 struct {
	_     sync.NoCopy
	value int32
}

// FromInt32 returns an Int32 initialized to value v.
//
//go:nosplit
func FromInt32(v int32) Int32 {
	return Int32{value: v}
}

// Load is analogous to atomic.LoadInt32.
//
//go:nosplit
func (i *Int32) Load() int32 {
	return atomic.LoadInt32(&i.value)
}

// RacyLoad is analogous to reading an atomic value without using
// synchronization.
//
// It may be helpful to document why a racy operation is permitted.
//
//go:nosplit
func (i *Int32) RacyLoad() int32 {
	return i.value
}

// Store is analogous to atomic.StoreInt32.
//
//go:nosplit
func (i *Int32) Store(v int32) {
	atomic.StoreInt32(&i.value, v)
}

// Add is analogous to atomic.AddInt32.
//
//go:nosplit
func (i *Int32) Add(v int32) int32 {
	return atomic.AddInt32(&i.value, v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapInt32.
//
//go:nosplit
func (i *Int32) CompareAndSwap(oldVal, newVal int32) bool {
	return atomic.CompareAndSwapInt32(&i.value, oldVal, newVal)
}

// Uint32 is an atomic uint32.
type Uint32 struct {
	_     sync.NoCopy
	value uint32
}

// FromUint32 returns an Uint32 initialized to value v.
//
//go:nosplit
func FromUint32(v uint32) Uint32 {
	return Uint32{value: v}
}

// Load is analogous to atomic.LoadUint32.
//
//go:nosplit
func (u *Uint32) Load() uint32 {
	return atomic.LoadUint32(&u.value)
}

// Store is analogous to atomic.StoreUint32.
//
//go:nosplit
func (u *Uint32) Store(v uint32) {
	atomic.StoreUint32(&u.value, v)
}

// Add is analogous to atomic.AddUint32.
//
//go:nosplit
func (u *Uint32) Add(v uint32) uint32 {
	return atomic.AddUint32(&u.value, v)
}

// Swap is analogous to atomic.SwapUint32.
//
//go:nosplit
func (u *Uint32) Swap(v uint32) uint32 {
	return atomic.SwapUint32(&u.value, v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint32.
//
//go:nosplit
func (u *Uint32) CompareAndSwap(oldVal, newVal uint32) bool {
	return atomic.CompareAndSwapUint32(&u.value, oldVal, newVal)
}

// Or atomically applies bitwise or with val and returns the previous value.
func (u *Uint32) Or(val uint32) uint32 {
	for {
		o := atomic.LoadUint32(&u.value)
		if atomic.CompareAndSwapUint32(&u.value, o, o|val) {
			return o
		}
	}
}

// And atomically applies bitwise and with val and returns the previous value.
func (u *Uint32) And(val uint32) uint32 {
	for {
		o := atomic.LoadUint32(&u.value)
		if atomic.CompareAndSwapUint32(&u.value, o, o&val) {
			return o
		}
	}
}

// Int64 is an atomic int64 that is guaranteed to be 64-bit
// aligned, even on 32-bit systems.
type Int64 struct {
	_     sync.NoCopy
	value atomic.Int64
}

// FromInt64 returns an Int64 initialized to value v.
func FromInt64(v int64) Int64 {
	var i Int64
	i.value.Store(v)
	return i
}

// Load is analogous to atomic.LoadInt64.
func (i *Int64) Load() int64 {
	return i.value.Load()
}

// Store is analogous to atomic.StoreInt64.
func (i *Int64) Store(v int64) {
	i.value.Store(v)
}

// Add is analogous to atomic.AddInt64.
func (i *Int64) Add(v int64) int64 {
	return i.value.Add(v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapInt64.
func (i *Int64) CompareAndSwap(oldVal, newVal int64) bool {
	return i.value.CompareAndSwap(oldVal, newVal)
}

// Uint64 is an atomic uint64 that is guaranteed to be 64-bit
// aligned, even on 32-bit systems.
type Uint64 struct {
	_     sync.NoCopy
	value atomic.Uint64
}

// FromUint64 returns an Uint64 initialized to value v.
func FromUint64(v uint64) Uint64 {
	var u Uint64
	u.value.Store(v)
	return u
}

// Load is analogous to atomic.LoadUint64.
func (u *Uint64) Load() uint64 {
	return u.value.Load()
}

// Store is analogous to atomic.StoreUint64.
func (u *Uint64) Store(v uint64) {
	u.value.Store(v)
}

// Add is analogous to atomic.AddUint64.
func (u *Uint64) Add(v uint64) uint64 {
	return u.value.Add(v)
}

// Sub atomically subtracts v and returns the new value.
func (u *Uint64) Sub(v uint64) uint64 {
	return u.value.Add(^(v - 1))
}

// Swap is analogous to atomic.SwapUint64.
func (u *Uint64) Swap(v uint64) uint64 {
	return u.value.Swap(v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint64.
func (u *Uint64) CompareAndSwap(oldVal, newVal uint64) bool {
	return u.value.CompareAndSwap(oldVal, newVal)
}
