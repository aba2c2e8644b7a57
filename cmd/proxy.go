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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/proxyrecorder/proxy/internal/config"
	"github.com/proxyrecorder/proxy/internal/control"
	"github.com/proxyrecorder/proxy/internal/cors"
	"github.com/proxyrecorder/proxy/internal/engine"
	"github.com/proxyrecorder/proxy/internal/forwarder"
	"github.com/proxyrecorder/proxy/internal/httputil"
	"github.com/proxyrecorder/proxy/internal/logging"
	"github.com/proxyrecorder/proxy/internal/recording"
	"github.com/proxyrecorder/proxy/internal/replay"
	"github.com/proxyrecorder/proxy/internal/wsbridge"
)

// portEnvVar is exported on successful bind so external test helpers (the
// framework adapter launching this process) can discover the chosen port.
const portEnvVar = "TEST_PROXY_RECORDER_PORT"

func runProxy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var file *config.File
	if cfgFile != "" {
		f, err := config.ReadFile(cfgFile)
		if err != nil {
			return err
		}
		file = f
	}

	cfg, err := config.Resolve(file, config.Overrides{
		Targets:             args,
		Port:                flagPort,
		PortSet:             cmd.Flags().Changed("port"),
		RecordingsDir:       flagRecordingDir,
		RecordingsDirSet:    cmd.Flags().Changed("recordings-dir"),
		DefaultTimeoutMsSet: false,
		LogFormat:           flagLogFormat,
		LogFormatSet:        cmd.Flags().Changed("log-format"),
		LogLevel:            flagLogLevel,
		LogLevelSet:         cmd.Flags().Changed("log-level"),
	})
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	store := recording.NewStore(afero.NewOsFs())
	eng := engine.New(cfg.RecordingsDir, store, logger)

	policy := cors.New()
	controlHandler := control.NewHandler(eng, policy, logger)
	dispatcher := replay.NewDispatcher(eng, store, policy, logger)
	bridge := wsbridge.New(cfg.Targets, eng, store, policy, logger)
	fwd := forwarder.New(cfg.Targets, eng, policy, controlHandler, dispatcher, bridge, logger)

	handler := recoverMiddleware(fwd, policy, logger)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind port %d: %w", cfg.Port, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	if err := os.Setenv(portEnvVar, strconv.Itoa(actualPort)); err != nil {
		return fmt.Errorf("failed to export %s: %w", portEnvVar, err)
	}

	server := &http.Server{Handler: handler}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("proxy listening", "port", actualPort, "targets", len(cfg.Targets), "recordingsDir", cfg.RecordingsDir)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// recoverMiddleware guarantees that a panic anywhere in the handler tree
// answers 502 with the CORS overlay still applied rather than crashing the
// process.
func recoverMiddleware(next http.Handler, policy cors.Policy, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", "panic", rec, "method", r.Method, "url", r.URL.String())
				policy.Apply(w, r)
				httputil.WriteError(w, http.StatusBadGateway, "Internal error", fmt.Sprintf("%v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
