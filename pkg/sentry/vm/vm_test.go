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

package vm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/sentry/vm/evictor"
	"gvisor.dev/reclaim/pkg/sentry/vm/scanner"
	"gvisor.dev/reclaim/pkg/sentry/vm/vmo"
	"gvisor.dev/reclaim/pkg/test/testutil"
)

type zeroPager struct{}

func (zeroPager) ReadAt(b []byte, off int64) (int, error) {
	clear(b)
	return len(b), nil
}

func newSystem(t *testing.T, opts Options) *System {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestPressureThresholdsLevel(t *testing.T) {
	th := PressureThresholds{Warning: 30, Critical: 20, OutOfMemory: 10}
	for _, tc := range []struct {
		free uint64
		want evictor.PressureLevel
	}{
		{free: 100, want: evictor.Normal},
		{free: 31, want: evictor.Normal},
		{free: 30, want: evictor.Warning},
		{free: 21, want: evictor.Warning},
		{free: 20, want: evictor.Critical},
		{free: 10, want: evictor.OutOfMemory},
		{free: 0, want: evictor.OutOfMemory},
	} {
		if got := th.Level(tc.free); got != tc.want {
			t.Errorf("Level(%d) = %v, want %v", tc.free, got, tc.want)
		}
	}
	if got := (PressureThresholds{Critical: 5}).Level(3); got != evictor.Critical {
		t.Errorf("Level with only a critical threshold = %v, want %v", got, evictor.Critical)
	}
	if (PressureThresholds{}).enabled() {
		t.Errorf("zero thresholds are enabled")
	}
}

func TestStartShutdown(t *testing.T) {
	s := newSystem(t, Options{Frames: 8})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start got err %v, want %v", err, ErrStarted)
	}
	if active.Load() != s {
		t.Errorf("started system is not active")
	}
	if err := s.Shutdown(); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if active.Load() != nil {
		t.Errorf("system still active after Shutdown")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	s := newSystem(t, Options{Frames: 4})
	if err := s.Shutdown(); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestAddressSpaces(t *testing.T) {
	s := newSystem(t, Options{Frames: 8})
	defer s.Shutdown()

	o, err := vmo.NewAnonymous(s.Node(), "anon", 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewAnonymous failed: %v", err)
	}
	as := s.NewAddressSpace("proc")
	if got := s.Registry().Len(); got != 1 {
		t.Errorf("Registry().Len() = %d, want 1", got)
	}
	const addr = hostarch.Addr(0x10000000)
	if _, err := as.Map(addr, o.Size(), o, 0, true); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := as.Write(addr, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	stats, total := s.Usage()
	if stats.Anonymous != hostarch.PageSize || total != hostarch.PageSize {
		t.Errorf("Usage() = %+v, %d; want one anonymous page", stats, total)
	}
	if st := s.Scanner().RunScanPass(); st.AddressSpaces != 1 {
		t.Errorf("RunScanPass visited %d address spaces, want 1", st.AddressSpaces)
	}
	s.DestroyAddressSpace(as)
	if got := s.Registry().Len(); got != 0 {
		t.Errorf("Registry().Len() after destroy = %d, want 0", got)
	}
	o.Destroy()
	if _, total := s.Usage(); total != 0 {
		t.Errorf("usage after destroying the object = %d, want 0", total)
	}
}

func TestPressureWatcherEvicts(t *testing.T) {
	s := newSystem(t, Options{
		Frames: 16,
		Evictor: evictor.Options{
			Watermarks: evictor.Watermarks{Critical: 12},
		},
		Scanner: scanner.Options{
			EnableEviction: true,
		},
		PressureThresholds:   PressureThresholds{Critical: 8},
		PressurePollInterval: time.Millisecond,
	})
	file, err := vmo.NewPagerBacked(s.Node(), "file", 12*hostarch.PageSize, zeroPager{})
	if err != nil {
		t.Fatalf("NewPagerBacked failed: %v", err)
	}
	if err := file.CommitRange(0, file.Size()); err != nil {
		t.Fatalf("CommitRange failed: %v", err)
	}
	if got := s.Node().FreeFrames(); got != 4 {
		t.Fatalf("FreeFrames = %d, want 4", got)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Shutdown()
	if err := testutil.Poll(func() error {
		if free := s.Node().FreeFrames(); free < 12 {
			return fmt.Errorf("%d free frames", free)
		}
		if p := s.Evictor().Pressure(); p != evictor.Normal {
			return fmt.Errorf("pressure is %v", p)
		}
		return nil
	}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if st := s.Evictor().Stats(); st.Evicted < 8 {
		t.Errorf("evicted %d pages, want at least 8", st.Evicted)
	}
}

func TestStartDisabledScanner(t *testing.T) {
	s := newSystem(t, Options{
		Frames:  4,
		Scanner: scanner.Options{StartDisabled: true},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Shutdown()
	if got := s.Scanner().DisableCount(); got != 1 {
		t.Errorf("DisableCount = %d, want 1", got)
	}
	s.Scanner().PopDisable()
	if got := s.Scanner().DisableCount(); got != 0 {
		t.Errorf("DisableCount after PopDisable = %d, want 0", got)
	}
}
