// Copyright 2026 The kltos Authors.
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
	"sort"

	"github.com/BurntSushi/toml"
)

// File is the contents of a kltsc configuration file:
//
//	[kltsc_config]
//	debug = true
//	max-mutexes = 128
//
// Each key of the kltsc_config table names a flag.
type File struct {
	Flags map[string]any `toml:"kltsc_config"`
}

// LoadFile reads the configuration file at path.
func LoadFile(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("loading config file %q: %w", path, err)
	}
	return &f, nil
}

// Apply sets the flags of flagSet named in f, except those already set on
// the command line.
func (f *File) Apply(flagSet *flag.FlagSet) error {
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	names := make([]string, 0, len(f.Flags))
	for name := range f.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("config file cannot set %q", name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("unknown flag %q in config file", name)
		}
		if set[name] {
			continue
		}
		if err := fl.Value.Set(fmt.Sprint(f.Flags[name])); err != nil {
			return fmt.Errorf("error setting flag %s=%v: %w", name, f.Flags[name], err)
		}
	}
	return nil
}
