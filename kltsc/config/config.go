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

// Package config provides basic infrastructure to set configuration settings
// for kltsc. Each setting that can be changed from the command line must be
// registered in RegisterFlags and have a field in Config tagged with the flag
// name.
package config

import (
	"fmt"
	"strings"

	"github.com/kltos/kltos/pkg/abi/klt"
	"github.com/kltos/kltos/pkg/log"
	"github.com/kltos/kltos/pkg/sentry/kernel"
)

// Config holds configuration that is not part of a workload's own arguments.
type Config struct {
	// ConfigFile is the path of a TOML file whose values override flag
	// defaults. Flags set on the command line win over the file.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// %PID% and %TIMESTAMP%.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr as well as
	// the log file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// MaxProcesses is the number of process slots of the kernel.
	MaxProcesses int `flag:"nproc"`

	// MaxThreads is the number of thread slots in each process.
	MaxThreads int `flag:"nthread"`

	// MaxMutexes is the capacity of the mutex pool.
	MaxMutexes int `flag:"max-mutexes"`

	// TreeDepth is the depth of the tournament trees built by the
	// workloads.
	TreeDepth int `flag:"tree-depth"`

	// MetricsOutput is where metrics are written in Prometheus text format
	// once the command finishes: a file name, "-" for stdout, or empty for
	// nowhere.
	MetricsOutput string `flag:"metrics-output"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MaxProcesses < 1 {
		return fmt.Errorf("nproc must be positive, got %d", c.MaxProcesses)
	}
	if c.MaxThreads < 1 {
		return fmt.Errorf("nthread must be positive, got %d", c.MaxThreads)
	}
	if c.MaxMutexes < 1 {
		return fmt.Errorf("max-mutexes must be positive, got %d", c.MaxMutexes)
	}
	if c.TreeDepth < 0 || c.TreeDepth > klt.MaxTreeDepth {
		return fmt.Errorf("tree-depth must be in [0, %d], got %d", klt.MaxTreeDepth, c.TreeDepth)
	}
	return nil
}

// KernelOptions returns the kernel options selected by c.
func (c *Config) KernelOptions() kernel.Options {
	return kernel.Options{
		MaxProcesses: c.MaxProcesses,
		MaxThreads:   c.MaxThreads,
		MaxMutexes:   c.MaxMutexes,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tDebug: %t", c.Debug)
	log.Infof("\t\tLogFormat: %s", c.LogFormat)
	log.Infof("\t\tMaxProcesses: %d", c.MaxProcesses)
	log.Infof("\t\tMaxThreads: %d", c.MaxThreads)
	log.Infof("\t\tMaxMutexes: %d", c.MaxMutexes)
	log.Infof("\t\tTreeDepth: %d", c.TreeDepth)
	if c.ConfigFile != "" {
		log.Infof("\t\tConfigFile: %s", c.ConfigFile)
	}
	if flags := c.ToFlags(); len(flags) > 0 {
		log.Infof("\t\tNon-default flags: %s", strings.Join(flags, " "))
	}
}
