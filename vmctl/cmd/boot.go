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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"context"
	"fmt"

	"gvisor.dev/reclaim/pkg/cleanup"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/sentry/vm"
	"gvisor.dev/reclaim/vmctl/config"
)

// session is a started vm.System running a synthetic workload.
type session struct {
	sys *vm.System
	w   *workload
}

// boot creates and starts a vm.System configured by conf and populates it
// with the configured workload.
func boot(ctx context.Context, conf *config.Config) (*session, error) {
	sys, err := vm.New(conf.VMOptions())
	if err != nil {
		return nil, fmt.Errorf("creating VM system: %w", err)
	}
	cu := cleanup.Make(func() {
		if err := sys.Shutdown(); err != nil {
			log.Warningf("Shutting down VM system: %v", err)
		}
	})
	defer cu.Clean()

	if err := sys.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting VM system: %w", err)
	}
	w, err := newWorkload(sys, conf.WorkloadProcesses, conf.WorkloadPages)
	if err != nil {
		return nil, fmt.Errorf("building workload: %w", err)
	}
	cu.Release()
	return &session{sys: sys, w: w}, nil
}

// shutdown releases the workload and stops the system.
func (s *session) shutdown() error {
	s.w.release()
	return s.sys.Shutdown()
}
