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

// Package cmd holds implementations of the kmmsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"kalisto.dev/kalisto/kmmsim/config"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/kernel"
	"kalisto.dev/kalisto/pkg/log"
)

// Stdout and Stderr are where command results and errors are printed.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// Errorf logs the error and prints it to Stderr, then returns
// subcommands.ExitFailure for the caller to return.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(Stderr, "kmmsim: %s\n", msg)
	return subcommands.ExitFailure
}

// Failed reports err from the named operation with Errorf. Kernel errors
// carry the name of their errno, as user space would see it.
func Failed(op string, err error) subcommands.ExitStatus {
	if _, ok := kerr.Lookup(err); ok {
		return Errorf("%s: %v (%s)", op, err, kerr.Name(err))
	}
	return Errorf("%s: %v", op, err)
}

// Fatalf logs the error and prints it to stderr, then exits.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// boot starts the machine described by the configuration passed to a
// command.
func boot(args []any) (*kernel.Kernel, error) {
	conf, ok := args[0].(*config.Config)
	if !ok || conf == nil {
		return nil, fmt.Errorf("no configuration passed to the command")
	}
	return kernel.Boot(conf.KernelOptions())
}
