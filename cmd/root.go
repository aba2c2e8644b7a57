/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd wires the proxy's command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	flagPort         int
	flagRecordingDir string
	flagLogFormat    string
	flagLogLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "proxy <target-url> [target-url...]",
	Short: "Record/replay HTTP and WebSocket proxy for deterministic end-to-end tests",
	Long: `proxy sits between a client application and one or more backends. It can pass
traffic through unchanged, capture every exchange to a per-session recording
file, or answer from a previously recorded session without contacting any
backend. Tests flip it between modes over the /__control endpoint.`,
	Args: cobra.ArbitraryArgs,
	RunE: runProxy,
}

func init() {
	rootCmd.Flags().IntVar(&flagPort, "port", 8080, "port to listen on (1025-65535)")
	rootCmd.Flags().StringVar(&flagRecordingDir, "recordings-dir", "./recordings", "directory recording sessions are read from and written to")
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "optional YAML config file; CLI flags override its values")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "text", "log output format: text|json")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug|info|warn|error")
}

// Execute runs the root command and returns its error, if any.
func Execute() error {
	return rootCmd.Execute()
}
