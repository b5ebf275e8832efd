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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"io"
	"strings"
	"testing"

	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sentry/vm/scanner"
	"gvisor.dev/reclaim/vmctl/config"
)

func testConfig(t *testing.T, overrides map[string]string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	for _, kv := range [][2]string{
		{"memory-frames", "1024"},
		{"workload-processes", "2"},
		{"workload-pages", "16"},
		// Keep the scanner goroutine from racing with the assertions below.
		{"scanner-zero-page-scans-per-second", "0"},
		{"scanner-page-table-eviction-policy", "never"},
	} {
		if err := conf.Override(kv[0], kv[1]); err != nil {
			t.Fatalf("Override(%s) failed: %v", kv[0], err)
		}
	}
	for name, val := range overrides {
		if err := conf.Override(name, val); err != nil {
			t.Fatalf("Override(%s) failed: %v", name, err)
		}
	}
	return conf
}

func testSession(t *testing.T, overrides map[string]string) *session {
	t.Helper()
	s, err := boot(context.Background(), testConfig(t, overrides))
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.shutdown(); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return s
}

func TestWorkloadQueues(t *testing.T) {
	s := testSession(t, nil)
	counts := s.sys.Node().Queues().Counts()
	total := func(c page.Class) uint64 {
		var n uint64
		for _, g := range counts[c].Generations {
			n += g
		}
		return n
	}
	for _, tc := range []struct {
		class page.Class
		want  uint64
	}{
		// Two heaps of 16 pages, all of them fresh.
		{class: page.ZeroFork, want: 32},
		{class: page.Anonymous, want: 0},
		// Two caches of 4 pages.
		{class: page.Discardable, want: 8},
		// One shared file of 16 pages.
		{class: page.PagerBacked, want: 16},
	} {
		if got := total(tc.class); got != tc.want {
			t.Errorf("%v pages = %d, want %d", tc.class, got, tc.want)
		}
	}
	if got := s.sys.Registry().Len(); got != 2 {
		t.Errorf("registered address spaces = %d, want 2", got)
	}
}

func TestWorkloadRelease(t *testing.T) {
	s := testSession(t, nil)
	free := s.sys.Node().FreeFrames()
	s.w.release()
	if got := s.sys.Node().FreeFrames(); got <= free {
		t.Errorf("FreeFrames after release = %d, want more than %d", got, free)
	}
	if got := s.sys.Registry().Len(); got != 0 {
		t.Errorf("registered address spaces after release = %d, want 0", got)
	}
}

func TestWorkloadTooLarge(t *testing.T) {
	conf := testConfig(t, map[string]string{"memory-frames": "8"})
	if _, err := boot(context.Background(), conf); err == nil {
		t.Errorf("boot succeeded with a workload larger than memory")
	}
}

func TestServeConsole(t *testing.T) {
	s := testSession(t, nil)
	c := scanner.NewConsole(s.sys.Scanner())
	in := strings.NewReader("zero_scan\n\nbogus\nhelp\npush_disable\nquit\npop_disable\n")
	var out bytes.Buffer
	if err := serveConsole(context.Background(), c, in, &out, false); err != nil {
		t.Fatalf("serveConsole failed: %v", err)
	}
	for _, want := range []string{
		// The written half of each heap moves to the anonymous queue.
		"De-duped 16 pages",
		"invalid scanner command",
		"usage:",
		"disable count 1",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q does not contain %q", out.String(), want)
		}
	}
	// Commands after quit are not run.
	if got := s.sys.Scanner().DisableCount(); got != 1 {
		t.Errorf("DisableCount = %d, want 1", got)
	}
	s.sys.Scanner().PopDisable()
}

func TestServeConsolePrompt(t *testing.T) {
	s := testSession(t, nil)
	var out bytes.Buffer
	if err := serveConsole(context.Background(), scanner.NewConsole(s.sys.Scanner()), strings.NewReader("dump\n"), &out, true); err != nil {
		t.Fatalf("serveConsole failed: %v", err)
	}
	if got := strings.Count(out.String(), prompt); got != 2 {
		t.Errorf("prompt printed %d times, want 2: %q", got, out.String())
	}
}

func TestServeConsoleCancel(t *testing.T) {
	s := testSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, w := io.Pipe()
	defer w.Close()
	if err := serveConsole(ctx, scanner.NewConsole(s.sys.Scanner()), r, &bytes.Buffer{}, false); err != nil {
		t.Errorf("serveConsole failed: %v", err)
	}
}

func TestMetricsExport(t *testing.T) {
	s := testSession(t, nil)
	var out bytes.Buffer
	m := &Metrics{passes: 2}
	if err := m.export(s, &out); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	for _, want := range []string{
		"vm_free_frames",
		"vm_queued_pages{class=\"zero_fork\"} 0",
		"vm_scanner_zero_scan_pages_deduped",
		"vm_scanner_accessed_scan_passes",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("exported metrics do not contain %q:\n%s", want, out.String())
		}
	}
	if got := s.sys.Scanner().PassCount(); got < 2 {
		t.Errorf("PassCount = %d, want at least 2", got)
	}
}
