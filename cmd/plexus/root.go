// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/plexus/pkg/logging"
	"github.com/AleutianAI/plexus/services/plexus/config"
	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// =============================================================================
// GLOBAL FLAGS AND STATE
// =============================================================================

var (
	configPath   string
	contextFlag  string
	logLevelFlag string
	jsonLogsFlag bool

	// cfg and appLogger are set by PersistentPreRunE.
	cfg       *config.Config
	appLogger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "plexus",
	Short: "Knowledge-graph engine for tagged notes, marks and documents",
	Long: `Plexus accumulates a weighted knowledge graph from adapters that read
fragments, marks and files, and answers queries over it.

The CLI opens the local store directly. The store allows one process at a
time, so stop 'plexus serve' before running administrative commands, or
use the HTTP API instead.

Configuration is read from --config, $PLEXUS_CONFIG or ~/.plexus/plexus.yaml.
A default file is written on first use.

Examples:
  plexus context create notes --name "Field notes"
  plexus ingest fragment "refresh tokens early" --tag auth --tag tokens
  plexus evidence auth
  plexus serve`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "",
		"Config file (default $PLEXUS_CONFIG or ~/.plexus/plexus.yaml)")
	pf.StringVarP(&contextFlag, "context", "C", "",
		"Context ID (default runtime.default_context)")
	pf.StringVar(&logLevelFlag, "log-level", "",
		"Override logging.level: debug, info, warn, error")
	pf.BoolVar(&jsonLogsFlag, "json-logs", false,
		"Write console logs as JSON")
}

// setup loads the configuration and installs the logger.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, created, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevelFlag != "" {
		loaded.Logging.Level = logLevelFlag
	}
	if jsonLogsFlag {
		loaded.Logging.JSON = true
	}

	lc, err := loaded.Logging.LoggerConfig(loaded.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	lc.Console = cmd.ErrOrStderr()
	l, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	l.SetDefault()

	cfg, appLogger = loaded, l
	if created {
		l.Slog().Info("wrote default configuration", slog.String("path", resolvedConfigPath()))
	}
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if appLogger == nil {
		return nil
	}
	return appLogger.Close()
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	p, _ := config.DefaultPath()
	return p
}

// targetContext returns --context or the configured default.
func targetContext() graph.ContextID {
	if contextFlag != "" {
		return graph.ContextID(contextFlag)
	}
	return graph.ContextID(cfg.Runtime.DefaultContext)
}

func logger() *slog.Logger {
	if appLogger == nil {
		return slog.Default()
	}
	return appLogger.Slog()
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
