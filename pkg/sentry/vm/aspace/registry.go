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

package aspace

import (
	"sort"

	"gvisor.dev/reclaim/pkg/sync"
)

// Registry is the set of live address spaces visited by the access scanner.
//
// The zero value is an empty registry.
type Registry struct {
	mu sync.Mutex

	// +checklocks:mu
	spaces map[*AddressSpace]struct{}
}

// Register adds as to r. Registering twice is a no-op.
func (r *Registry) Register(as *AddressSpace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spaces == nil {
		r.spaces = make(map[*AddressSpace]struct{})
	}
	r.spaces[as] = struct{}{}
}

// Unregister removes as from r.
func (r *Registry) Unregister(as *AddressSpace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spaces, as)
}

// Len returns the number of registered address spaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spaces)
}

// Snapshot returns the registered address spaces ordered by name. Address
// spaces registered or unregistered after Snapshot returns are not reflected.
func (r *Registry) Snapshot() []*AddressSpace {
	r.mu.Lock()
	out := make([]*AddressSpace, 0, len(r.spaces))
	for as := range r.spaces {
		out = append(out, as)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
