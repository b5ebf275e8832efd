// Copyright 2020 The gVisor Authors.
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

package sync

import "context"

// Event is a level-triggered event. Waiters block while the event is
// unsignaled and are released when it becomes signaled. An Event may be
// unsignaled again, after which new waiters block until the next Signal.
//
// The zero value is an unsignaled Event.
type Event struct {
	mu       Mutex
	signaled bool

	// ch is closed when the event is next signaled. It is allocated lazily
	// by the first waiter.
	ch chan struct{}
}

// Signal signals the event, waking all waiters.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signaled {
		return
	}
	e.signaled = true
	if e.ch != nil {
		close(e.ch)
		e.ch = nil
	}
}

// Unsignal resets the event.
func (e *Event) Unsignal() {
	e.mu.Lock()
	e.signaled = false
	e.mu.Unlock()
}

// Signaled returns whether the event is currently signaled.
func (e *Event) Signaled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signaled
}

func (e *Event) waitChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signaled {
		return nil
	}
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}

// Wait blocks until the event is signaled.
func (e *Event) Wait() {
	if ch := e.waitChan(); ch != nil {
		<-ch
	}
}

// WaitContext blocks until the event is signaled or ctx is done.
func (e *Event) WaitContext(ctx context.Context) error {
	ch := e.waitChan()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
