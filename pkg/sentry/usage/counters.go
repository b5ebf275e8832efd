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
	"fmt"
	"math/rand/v2"
	"runtime"

	"gvisor.dev/reclaim/pkg/atomicbitops"
)

// MaxCounters is the maximum number of counters in a Counters set.
const MaxCounters = 8

// cacheLineSize is used to keep shards from sharing cache lines.
const cacheLineSize = 64

type counterShard struct {
	v [MaxCounters]atomicbitops.Int64
	_ [cacheLineSize]byte
}

// Counters is a set of up to MaxCounters signed counters, sharded so that
// concurrent updates from different CPUs rarely contend on the same cache
// line.
//
// Updates land on an arbitrary shard. Reads sum every shard without any
// synchronization against concurrent updates, so a Read that races with
// updates may observe some of them and not others. Each individual counter
// is exact once updates quiesce. A Snapshot is not a consistent cut across
// counters: under concurrent Move calls, the sum of a snapshot may be off by
// the number of in-flight moves.
type Counters struct {
	shards []counterShard
	n      int
}

// NewCounters returns a Counters set with n counters.
func NewCounters(n int) *Counters {
	if n <= 0 || n > MaxCounters {
		panic(fmt.Sprintf("counter set size %d out of range [1, %d]", n, MaxCounters))
	}
	return &Counters{
		shards: make([]counterShard, runtime.GOMAXPROCS(0)),
		n:      n,
	}
}

func (c *Counters) shard() *counterShard {
	return &c.shards[rand.IntN(len(c.shards))]
}

// Add adds delta to counter i.
func (c *Counters) Add(i int, delta int64) {
	c.shard().v[i].Add(delta)
}

// Move decrements counter from and increments counter to.
func (c *Counters) Move(from, to int) {
	s := c.shard()
	s.v[from].Add(-1)
	s.v[to].Add(1)
}

// Read returns the sum of counter i across shards.
func (c *Counters) Read(i int) int64 {
	var sum int64
	for s := range c.shards {
		sum += c.shards[s].v[i].Load()
	}
	return sum
}

// Snapshot returns the value of every counter.
func (c *Counters) Snapshot() []int64 {
	out := make([]int64, c.n)
	for i := range out {
		out[i] = c.Read(i)
	}
	return out
}
