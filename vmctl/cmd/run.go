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
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/sentry/vm/scanner"
	"gvisor.dev/reclaim/vmctl/cmd/util"
	"gvisor.dev/reclaim/vmctl/config"
)

const prompt = "vmctl> "

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// detach ignores stdin and runs until interrupted.
	detach bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the VM system with a synthetic workload and a scanner console"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - boots the VM system and reads scanner commands from stdin until EOF.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.detach, "detach", false, "ignore stdin and run until interrupted.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	s, err := boot(ctx, conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer func() {
		if err := s.shutdown(); err != nil {
			util.Errorf("shutting down: %v", err)
		}
	}()

	if r.detach {
		<-ctx.Done()
		log.Infof("Interrupted, shutting down")
		return subcommands.ExitSuccess
	}
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if err := serveConsole(ctx, scanner.NewConsole(s.sys.Scanner()), os.Stdin, os.Stdout, interactive); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// serveConsole runs one console command per line of in until EOF, "quit" or
// ctx is done. Malformed commands are reported and skipped.
func serveConsole(ctx context.Context, c *scanner.Console, in io.Reader, out io.Writer, interactive bool) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		errc <- sc.Err()
		close(lines)
	}()

	for {
		if interactive {
			fmt.Fprint(out, prompt)
		}
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-errc
			}
			line = l
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return nil
		case "help":
			c.Usage(out)
			continue
		}
		if err := c.Exec(args, out); err != nil && !errors.Is(err, scanner.ErrUsage) {
			return err
		}
	}
}
