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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/reclaim/pkg/sentry/vm"
	"gvisor.dev/reclaim/pkg/sentry/vm/evictor"
	"gvisor.dev/reclaim/pkg/sentry/vm/scanner"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr in addition to --log.")

	// Flags that size the system.
	flagSet.Uint64("memory-frames", 16384, "number of frames of memory.")

	// Flags that control the scanner.
	flagSet.Bool("scanner-start-at-boot", true, "start the scanner enabled. If false, the scanner starts disabled and must be enabled with pop_disable.")
	flagSet.Bool("scanner-enable-eviction", true, "allow the scanner and memory pressure to evict pages.")
	flagSet.Uint64("scanner-zero-page-scans-per-second", 20000, "number of zero page deduplication candidates examined per second. 0 disables periodic zero page scans.")
	flagSet.String("scanner-page-table-eviction-policy", scanner.PageTableReclaimAlways.String(), "page table reclamation policy: always (default), never, or on_request.")
	flagSet.Duration("scanner-page-table-eviction-period", scanner.DefaultPageTableEvictionPeriod, "interval between page table reclamation passes.")
	flagSet.Duration("scanner-min-aging-interval", scanner.DefaultMinAgingInterval, "minimum interval between page queue generation rotations.")
	flagSet.Duration("scanner-accessed-scan-interval", scanner.DefaultAccessedScanInterval, "interval between periodic accessed bit harvests.")

	// Flags that control eviction.
	flagSet.String("eviction-order", classList(evictor.DefaultOrder), "comma-separated list of page queue classes in eviction order.")
	flagSet.Int("eviction-batch", evictor.DefaultBatch, "number of eviction candidates taken from a queue at once.")
	flagSet.Uint64("watermark-warning", 0, "free frames restored by eviction under warning pressure.")
	flagSet.Uint64("watermark-critical", 0, "free frames restored by eviction under critical pressure.")
	flagSet.Uint64("watermark-oom", 0, "free frames restored by eviction when out of memory.")

	// Flags that control memory pressure sources.
	flagSet.Uint64("pressure-warning", 0, "free frames at or below which warning pressure is raised. 0 disables the level.")
	flagSet.Uint64("pressure-critical", 0, "free frames at or below which critical pressure is raised. 0 disables the level.")
	flagSet.Uint64("pressure-oom", 0, "free frames at or below which out of memory pressure is raised. 0 disables the level.")
	flagSet.Duration("pressure-poll-interval", vm.DefaultPressurePollInterval, "interval at which free memory is sampled for pressure.")
	flagSet.Bool("memcg-pressure", false, "subscribe to memory pressure notifications of the host memory cgroup.")

	// Flags that size the synthetic workload.
	flagSet.Int("workload-processes", 4, "number of address spaces created by the synthetic workload.")
	flagSet.Int("workload-pages", 256, "number of pages mapped by each synthetic workload process.")
}

func classList[T fmt.Stringer](cs []T) string {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.String())
	}
	return strings.Join(names, ",")
}

// get returns the typed value held by a flag registered with RegisterFlags.
func get(v flag.Value) any {
	return v.(flag.Getter).Get()
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(get(fl.Value)))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile creates a new Config from the TOML file at path. Settings missing
// from the file take their value from flagSet, and flags explicitly set on
// the command line override the file.
func LoadFile(path string, flagSet *flag.FlagSet) (*Config, error) {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)
	conf, err := NewFromFlags(defaults)
	if err != nil {
		return nil, err
	}
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading config file %q: unknown keys %v", path, undecoded)
	}

	var setErr error
	flagSet.Visit(func(fl *flag.Flag) {
		if setErr == nil && conf.hasFlag(fl.Name) {
			setErr = conf.set(fl.Name, get(fl.Value))
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(name string, value string) error {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)
	fl := flagSet.Lookup(name)
	if fl == nil || !c.hasFlag(name) {
		return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
	}
	// Use flag to convert the string value to the underlying flag type, using
	// the same rules as the command-line for consistency.
	if err := fl.Value.Set(value); err != nil {
		return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
	}
	if err := c.set(name, get(fl.Value)); err != nil {
		return err
	}
	// Validates the config again to ensure it's left in a consistent state.
	return c.validate()
}

func (c *Config) hasFlag(name string) bool {
	st := reflect.TypeOf(c).Elem()
	for i := 0; i < st.NumField(); i++ {
		if fieldName, ok := st.Field(i).Tag.Lookup("flag"); ok && fieldName == name {
			return true
		}
	}
	return false
}

// set assigns v to the field tagged with flag name.
func (c *Config) set(name string, v any) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		fieldName, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || fieldName != name {
			continue
		}
		x := reflect.ValueOf(v)
		if x.Type() != obj.Field(i).Type() {
			return fmt.Errorf("flag %q has type %v, want %v", name, x.Type(), obj.Field(i).Type())
		}
		obj.Field(i).Set(x)
		return nil
	}
	return fmt.Errorf("flag %q not found", name)
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
