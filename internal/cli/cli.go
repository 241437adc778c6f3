// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
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

// Package cli holds the plumbing shared by the cmd binaries: config loading, logging, signals and exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/go-kafka-stateful-streams/internal/config"
	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/spf13/cobra"
)

const (
	ExitOK           = 0
	ExitError        = 1
	ExitInvalid      = 2
	ExitInconsistent = 3
)

// ExitCode maps config errors to ExitInvalid and corrupt state to ExitInconsistent.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ExitOK
	case errors.Is(err, config.ErrInvalid):
		return ExitInvalid
	case streams.KindOf(err) == streams.CorruptState:
		return ExitInconsistent
	}
	return ExitError
}

// Execute runs root and exits the process with ExitCode.
func Execute(root *cobra.Command) {
	root.SilenceUsage = true
	root.SilenceErrors = true
	err := root.Execute()
	if code := ExitCode(err); code != ExitOK {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(code)
	}
}

// AddConfigFlag registers the persistent --config flag read by LoadConfig.
func AddConfigFlag(root *cobra.Command) {
	root.PersistentFlags().StringP("config", "c", "", "YAML config file. Every key may also be set as KSS_{KEY}.")
}

// LoadConfig loads the config named by --config and initializes logging from it.
func LoadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	level := streams.ParseLogLevel(cfg.LogLevel)
	streams.InitLogger(streams.SimpleLogger(level), streams.LogLevelError)
	return cfg, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Hostname is the default identity for workers and coordinators.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
