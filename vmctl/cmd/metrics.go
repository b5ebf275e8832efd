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
	"context"
	"flag"
	"io"
	"math"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/metric"
	"gvisor.dev/reclaim/vmctl/cmd/util"
	"gvisor.dev/reclaim/vmctl/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	// passes is the number of accessed scans run before exporting.
	passes int
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "export VM metrics after scanning a synthetic workload"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-passes=<1>] - prints VM metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.passes, "passes", 1, "number of accessed scans run before exporting.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.passes < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := boot(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer func() {
		if err := s.shutdown(); err != nil {
			util.Errorf("shutting down: %v", err)
		}
	}()
	if err := m.export(s, os.Stdout); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (m *Metrics) export(s *session, w io.Writer) error {
	sc := s.sys.Scanner()
	for i := 0; i < m.passes; i++ {
		st := sc.RunScanPass()
		log.Debugf("Scan pass %d: %+v", i, st)
	}
	deduped := sc.ScanForZeroPages(math.MaxUint64)
	log.Infof("De-duped %d zero pages before export", deduped)
	return metric.WritePrometheus(w)
}
