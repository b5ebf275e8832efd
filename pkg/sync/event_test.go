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

import (
	"context"
	"testing"
	"time"
)

func TestEventSignalReleasesWaiters(t *testing.T) {
	var e Event
	const waiters = 8
	var wg WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Wait()
		}()
	}
	e.Signal()
	wg.Wait()
	if !e.Signaled() {
		t.Errorf("event not signaled after Signal")
	}
}

func TestEventUnsignalBlocks(t *testing.T) {
	var e Event
	e.Signal()
	e.Wait()
	e.Unsignal()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.WaitContext(ctx); err == nil {
		t.Fatalf("WaitContext on unsignaled event returned nil")
	}

	e.Signal()
	if err := e.WaitContext(context.Background()); err != nil {
		t.Fatalf("WaitContext after Signal: %v", err)
	}
}

func TestEventDoubleSignal(t *testing.T) {
	var e Event
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	e.Signal()
	e.Signal()
	<-done
}
