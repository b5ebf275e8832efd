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

package scanner

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"gvisor.dev/reclaim/pkg/hostarch"
	"gvisor.dev/reclaim/pkg/sentry/vm/evictor"
)

// ErrUsage is returned by Console.Exec for malformed commands.
var ErrUsage = errors.New("invalid scanner command")

const mb = 1 << 20

// Console runs debug commands against a Scanner.
type Console struct {
	s *Scanner
}

// NewConsole returns a Console for s.
func NewConsole(s *Scanner) *Console {
	return &Console{s: s}
}

// Usage writes the list of commands to w.
func (c *Console) Usage(w io.Writer) {
	fmt.Fprintf(w, "usage:\n")
	fmt.Fprintf(w, "dump                    : dump scanner info\n")
	fmt.Fprintf(w, "push_disable            : increase scanner disable count\n")
	fmt.Fprintf(w, "pop_disable             : decrease scanner disable count\n")
	fmt.Fprintf(w, "reclaim_all             : attempt to reclaim all possible memory\n")
	fmt.Fprintf(w, "rotate_queue            : immediately rotate the page queues\n")
	fmt.Fprintf(w, "reclaim <MB> [only_old] : attempt to reclaim requested MB of memory\n")
	fmt.Fprintf(w, "pt_reclaim [on|off]     : turn unused page table reclamation on or off\n")
	fmt.Fprintf(w, "harvest_accessed        : harvest all page accessed information\n")
	fmt.Fprintf(w, "zero_scan [limit]       : deduplicate zero-fork pages\n")
}

func (c *Console) usage(w io.Writer, format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
	fmt.Fprintln(w, err)
	c.Usage(w)
	return err
}

// Exec runs the command in args, writing its output to w.
func (c *Console) Exec(args []string, w io.Writer) error {
	if len(args) == 0 {
		return c.usage(w, "not enough arguments")
	}
	s := c.s
	switch args[0] {
	case "dump":
		s.Dump(w)
	case "push_disable":
		s.PushDisable()
		fmt.Fprintf(w, "[SCAN]: disable count %d\n", s.DisableCount())
	case "pop_disable":
		// Checked here so that a stray command cannot panic the
		// scanner. A concurrent pop can still race with this.
		if s.DisableCount() == 0 {
			return c.usage(w, "scanner is not disabled")
		}
		s.PopDisable()
		fmt.Fprintf(w, "[SCAN]: disable count %d\n", s.DisableCount())
	case "reclaim_all":
		stats, ok := s.ReclaimAll()
		if !ok {
			fmt.Fprintf(w, "[SCAN]: scanner disabled, reclaim_all deferred until enabled\n")
			break
		}
		fmt.Fprintf(w, "[SCAN]: evicted %d pages, de-duped %d zero pages, reclaimed %d page tables\n", stats.Evicted, stats.Deduped, stats.TablesReclaimed)
	case "rotate_queue":
		s.node.Queues().RotateAll()
		fmt.Fprintf(w, "[SCAN]: rotated page queues\n")
	case "harvest_accessed":
		s.WaitForScan(s.clock.Now())
		fmt.Fprintf(w, "[SCAN]: accessed scan completed at %v\n", s.LastScan())
	case "reclaim":
		if len(args) < 2 {
			return c.usage(w, "reclaim needs a size")
		}
		n, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return c.usage(w, "bad size %q: %v", args[1], err)
		}
		level := evictor.IncludeNewest
		if len(args) >= 3 && args[2] == "only_old" {
			level = evictor.OnlyOldest
		}
		if !s.evictor.IsEvictionEnabled() {
			fmt.Fprintf(w, "eviction is disabled, reclamation request will have no effect\n")
		}
		pages := uint64(math.MaxUint64)
		if n <= math.MaxUint64/mb {
			pages = n * mb / hostarch.PageSize
		}
		freed := s.evictor.EvictLevel(pages, level)
		fmt.Fprintf(w, "[EVICT]: freed %d of %d requested pages at %v\n", freed, pages, level)
	case "pt_reclaim":
		if len(args) < 2 {
			return c.usage(w, "pt_reclaim needs on or off")
		}
		var enable bool
		switch args[1] {
		case "on":
			enable = true
		case "off":
		default:
			return c.usage(w, "pt_reclaim needs on or off, got %q", args[1])
		}
		switch s.ptPolicy {
		case PageTableReclaimAlways:
			fmt.Fprintf(w, "Page table reclamation set to always by configuration, cannot adjust\n")
		case PageTableReclaimNever:
			fmt.Fprintf(w, "Page table reclamation set to never by configuration, cannot adjust\n")
		case PageTableReclaimOnRequest:
			if enable {
				s.EnablePageTableReclaim()
			} else {
				s.DisablePageTableReclaim()
			}
		default:
			panic(fmt.Sprintf("unknown page table reclaim policy %d", int(s.ptPolicy)))
		}
	case "zero_scan":
		limit := uint64(math.MaxUint64)
		if len(args) >= 2 {
			var err error
			if limit, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				return c.usage(w, "bad limit %q: %v", args[1], err)
			}
		}
		n := s.ScanForZeroPages(limit)
		fmt.Fprintf(w, "[SCAN]: De-duped %d pages that were recently forked from the zero page\n", n)
	default:
		return c.usage(w, "unknown command %q", args[0])
	}
	return nil
}
