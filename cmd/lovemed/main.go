// Copyright 2025 Tom Barlow
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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/love-me/internal/config"
	"github.com/tombee/love-me/internal/daemon"
	"github.com/tombee/love-me/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lovemed",
		Short:         "Personal automation daemon",
		Long:          "lovemed runs the personal automation daemon: conversations, workflows and email triggers over a local WebSocket endpoint.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		home     string
		listen   string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			logCfg := log.FromEnv()
			if cfg.Log.Level != "" {
				logCfg.Level = cfg.Log.Level
			}
			if cfg.Log.Format != "" {
				logCfg.Format = log.Format(cfg.Log.Format)
			}
			logger := log.New(logCfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, version, logger)
			if err != nil {
				return err
			}
			logger.Info("starting lovemed",
				"version", version,
				"home", cfg.Home,
				"listen", cfg.Listen)
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&home, "home", "", "daemon state directory (default ~/.love-me)")
	cmd.Flags().StringVar(&listen, "listen", "", "WebSocket listen address (default 127.0.0.1:8787)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lovemed %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
