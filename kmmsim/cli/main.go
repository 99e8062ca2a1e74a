// Copyright 2026 The Kalisto Authors.
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

// Package cli is the main entrypoint for kmmsim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"kalisto.dev/kalisto/kmmsim/cmd"
	"kalisto.dev/kalisto/kmmsim/config"
	"kalisto.dev/kalisto/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)

	var out io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, subcommand, time.Now())
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		out = f
	}
	emitter, err := log.NewEmitter(conf.LogFormat, out)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(emitter)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** kmmsim ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, PID %d", runtime.Version(), runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// kmmsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Stress), "")
	cb(new(cmd.Copy), "")
	cb(new(cmd.ASID), "")
}
