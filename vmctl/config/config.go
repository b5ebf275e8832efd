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

// Package config provides basic infrastructure to set configuration settings
// for vmctl. Each setting that can be changed from the command line must
// be added to Config and the corresponding flag must be registered in
// RegisterFlags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohae/deepcopy"
	"gvisor.dev/reclaim/pkg/log"
	"gvisor.dev/reclaim/pkg/sentry/vm"
	"gvisor.dev/reclaim/pkg/sentry/vm/evictor"
	"gvisor.dev/reclaim/pkg/sentry/vm/page"
	"gvisor.dev/reclaim/pkg/sentry/vm/scanner"
)

// Config holds configuration that is not part of the command line arguments
// of individual commands.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the key used in
//     configuration files.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
//  5. If adding an enum, define a type and implement flag.Getter.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// MemoryFrames is the number of frames of memory managed by the
	// system.
	MemoryFrames uint64 `flag:"memory-frames" toml:"memory_frames"`

	// ScannerStartAtBoot starts the scanner enabled. If false, the scanner
	// starts with a disable count of one.
	ScannerStartAtBoot bool `flag:"scanner-start-at-boot" toml:"scanner_start_at_boot"`

	// ScannerEnableEviction allows the scanner and the pressure watchers
	// to evict pages.
	ScannerEnableEviction bool `flag:"scanner-enable-eviction" toml:"scanner_enable_eviction"`

	// ZeroPageScansPerSecond is the number of zero page candidates
	// examined per second by the scanner goroutine. Zero disables periodic
	// zero page scans.
	ZeroPageScansPerSecond uint64 `flag:"scanner-zero-page-scans-per-second" toml:"scanner_zero_page_scans_per_second"`

	// PageTableEvictionPolicy is one of "always", "never" or "on_request".
	PageTableEvictionPolicy string `flag:"scanner-page-table-eviction-policy" toml:"scanner_page_table_eviction_policy"`

	// PageTableEvictionPeriod is the interval between page table
	// reclamation passes.
	PageTableEvictionPeriod time.Duration `flag:"scanner-page-table-eviction-period" toml:"scanner_page_table_eviction_period"`

	// MinAgingInterval is the minimum interval between generation
	// rotations.
	MinAgingInterval time.Duration `flag:"scanner-min-aging-interval" toml:"scanner_min_aging_interval"`

	// AccessedScanInterval is the interval between periodic accessed
	// scans.
	AccessedScanInterval time.Duration `flag:"scanner-accessed-scan-interval" toml:"scanner_accessed_scan_interval"`

	// EvictionOrder is a comma-separated list of queue classes in the order
	// they are drained.
	EvictionOrder string `flag:"eviction-order" toml:"eviction_order"`

	// EvictionBatch is the number of candidates taken from a queue at
	// once.
	EvictionBatch int `flag:"eviction-batch" toml:"eviction_batch"`

	// Free frame watermarks restored by eviction at each pressure level.
	WatermarkWarning     uint64 `flag:"watermark-warning" toml:"watermark_warning"`
	WatermarkCritical    uint64 `flag:"watermark-critical" toml:"watermark_critical"`
	WatermarkOutOfMemory uint64 `flag:"watermark-oom" toml:"watermark_oom"`

	// Free frame counts at or below which each pressure level is raised.
	PressureWarning     uint64 `flag:"pressure-warning" toml:"pressure_warning"`
	PressureCritical    uint64 `flag:"pressure-critical" toml:"pressure_critical"`
	PressureOutOfMemory uint64 `flag:"pressure-oom" toml:"pressure_oom"`

	// PressurePollInterval is the interval at which free memory is
	// sampled.
	PressurePollInterval time.Duration `flag:"pressure-poll-interval" toml:"pressure_poll_interval"`

	// MemcgPressure subscribes to the host memory cgroup's pressure
	// notifications.
	MemcgPressure bool `flag:"memcg-pressure" toml:"memcg_pressure"`

	// WorkloadProcesses is the number of address spaces created by the
	// synthetic workload.
	WorkloadProcesses int `flag:"workload-processes" toml:"workload_processes"`

	// WorkloadPages is the number of pages mapped by each workload process.
	WorkloadPages int `flag:"workload-pages" toml:"workload_pages"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.MemoryFrames == 0 {
		return fmt.Errorf("memory-frames must be positive")
	}
	if _, err := scanner.ParsePageTableReclaimPolicy(c.PageTableEvictionPolicy); err != nil {
		return err
	}
	if _, err := c.evictionOrder(); err != nil {
		return err
	}
	if c.EvictionBatch <= 0 {
		return fmt.Errorf("eviction-batch must be positive, got %d", c.EvictionBatch)
	}
	for name, d := range map[string]time.Duration{
		"scanner-page-table-eviction-period": c.PageTableEvictionPeriod,
		"scanner-min-aging-interval":         c.MinAgingInterval,
		"scanner-accessed-scan-interval":     c.AccessedScanInterval,
		"pressure-poll-interval":             c.PressurePollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if !(c.WatermarkWarning <= c.WatermarkCritical && c.WatermarkCritical <= c.WatermarkOutOfMemory) {
		return fmt.Errorf("watermarks must not decrease with pressure: warning=%d critical=%d oom=%d", c.WatermarkWarning, c.WatermarkCritical, c.WatermarkOutOfMemory)
	}
	if c.WorkloadProcesses < 0 || c.WorkloadPages < 0 {
		return fmt.Errorf("workload size must not be negative")
	}
	return nil
}

func (c *Config) evictionOrder() ([]page.Class, error) {
	var order []page.Class
	for _, name := range strings.Split(c.EvictionOrder, ",") {
		cl, err := page.ParseClass(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("eviction-order: %w", err)
		}
		if !cl.Evictable() {
			return nil, fmt.Errorf("eviction-order: class %v is not evictable", cl)
		}
		order = append(order, cl)
	}
	return order, nil
}

// VMOptions returns the options of the vm.System described by c. c must have
// been validated.
func (c *Config) VMOptions() vm.Options {
	policy, err := scanner.ParsePageTableReclaimPolicy(c.PageTableEvictionPolicy)
	if err != nil {
		panic(fmt.Sprintf("unvalidated config: %v", err))
	}
	order, err := c.evictionOrder()
	if err != nil {
		panic(fmt.Sprintf("unvalidated config: %v", err))
	}
	return vm.Options{
		Frames: c.MemoryFrames,
		Evictor: evictor.Options{
			Order: order,
			Batch: c.EvictionBatch,
			Watermarks: evictor.Watermarks{
				Warning:     c.WatermarkWarning,
				Critical:    c.WatermarkCritical,
				OutOfMemory: c.WatermarkOutOfMemory,
			},
		},
		Scanner: scanner.Options{
			StartDisabled:           !c.ScannerStartAtBoot,
			EnableEviction:          c.ScannerEnableEviction,
			ZeroPageScansPerSecond:  c.ZeroPageScansPerSecond,
			AccessedScanInterval:    c.AccessedScanInterval,
			MinAgingInterval:        c.MinAgingInterval,
			PageTableReclaim:        policy,
			PageTableEvictionPeriod: c.PageTableEvictionPeriod,
		},
		PressureThresholds: vm.PressureThresholds{
			Warning:     c.PressureWarning,
			Critical:    c.PressureCritical,
			OutOfMemory: c.PressureOutOfMemory,
		},
		PressurePollInterval: c.PressurePollInterval,
		MemcgPressure:        c.MemcgPressure,
	}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.MemoryFrames: %d", c.MemoryFrames)
	log.Infof("Config.ScannerStartAtBoot: %t", c.ScannerStartAtBoot)
	log.Infof("Config.ScannerEnableEviction: %t", c.ScannerEnableEviction)
	log.Infof("Config.ZeroPageScansPerSecond: %d", c.ZeroPageScansPerSecond)
	log.Infof("Config.PageTableEvictionPolicy: %s", c.PageTableEvictionPolicy)
	log.Infof("Config.EvictionOrder: %s", c.EvictionOrder)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
}
