// Copyright 2025 AxonFlow
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

// Package main is the entry point for the genstream gateway.
//
// The gateway accepts generation requests over HTTP and forwards them to one
// of several text-generation backends, streaming partial output back to the
// caller as server-sent events.
//
// Usage:
//
//	gateway serve --config gateway.yaml
//	gateway adapters
//	gateway config example
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	REDIS_URL - Redis URL for the shared generation lock (optional)
//	DATABASE_URL - PostgreSQL connection string for usage events (optional)
//	LOCK_TIMEOUT_SECONDS - generation lock timeout (default: 20)
//	LOG_LEVEL - debug, info, warn or error (default: info)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"genstream/orchestrator"
	"genstream/shared/config"
	"genstream/shared/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "genstream text-generation gateway",
		Long:          `gateway serves a single HTTP API in front of several text-generation backends.`,
		Version:       orchestrator.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GENSTREAM_CONFIG"), "Path to the YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	// Running the binary without a subcommand starts the server.
	root.RunE = serve.RunE

	root.AddCommand(serve, adaptersCmd(), configCmd(&configPath))
	return root
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New("gateway").WithLevel(cfg.LogLevel)
	return orchestrator.Run(ctx, cfg, log)
}

func adaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List the built-in generation adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := orchestrator.NewDefaultRegistry(orchestrator.BootstrapOptions{})
			return writeIndented(cmd.OutOrStdout(), reg.List())
		},
	}
}

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print an example config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), config.Example())
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if _, err := orchestrator.DefaultSettings(cfg.Adapters); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d adapter(s) configured, lock backend %s\n",
				len(cfg.Adapters), cfg.Lock.Backend)
			return nil
		},
	})

	return cmd
}

func writeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
