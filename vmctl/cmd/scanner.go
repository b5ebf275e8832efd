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
	"errors"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/reclaim/pkg/sentry/vm/scanner"
	"gvisor.dev/reclaim/vmctl/cmd/util"
	"gvisor.dev/reclaim/vmctl/config"
)

// Scanner implements subcommands.Command for the "scanner" command.
type Scanner struct{}

// Name implements subcommands.Command.Name.
func (*Scanner) Name() string {
	return "scanner"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scanner) Synopsis() string {
	return "run one scanner console command against a synthetic workload"
}

// Usage implements subcommands.Command.Usage.
func (*Scanner) Usage() string {
	var buf bytes.Buffer
	buf.WriteString("scanner <command> [args...] - boots the VM system, builds the workload and runs command.\n\n")
	scanner.NewConsole(nil).Usage(&buf)
	return buf.String()
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scanner) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scanner) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
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
	if err := scanner.NewConsole(s.sys.Scanner()).Exec(f.Args(), os.Stdout); err != nil {
		if errors.Is(err, scanner.ErrUsage) {
			return subcommands.ExitUsageError
		}
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
