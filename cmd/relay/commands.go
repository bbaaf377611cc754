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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/gateway"
	"github.com/AleutianAI/AleutianRelay/services/relay/models"
	"github.com/AleutianAI/AleutianRelay/services/relay/settings"
)

// cli holds state shared by every command of one invocation.
type cli struct {
	configPath string
	envFile    string

	// flag values, applied only when the flag was set
	port        int
	wsPort      int
	dataDir     string
	backendURL  string
	backendPath string
	logLevel    string
	strict      bool

	modelsJSON   bool
	checkTimeout time.Duration

	config Config
	logger *logging.Logger
}

// =============================================================================
// Command Tree
// =============================================================================

func newRootCmd() *cobra.Command {
	app := &cli{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay between browser clients and an image generation backend",
		Long: `relay keeps one event channel open to the image generation backend,
fans its events out to every connected client, stores generated images and
serves the workflow, preset, settings and model APIs used by the web UI.`,
		SilenceUsage:       true,
		PersistentPreRunE:  app.setup,
		PersistentPostRunE: app.teardown,
		RunE:               app.runServe,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&app.configPath, "config", defaultConfigFile, "Path to the YAML config file")
	pf.StringVar(&app.envFile, "env-file", defaultEnvFile, "Path to a dotenv file")
	pf.StringVar(&app.dataDir, "data-dir", "", "Data directory (documents, images, settings)")
	pf.StringVar(&app.backendURL, "backend-url", "", "Backend HTTP root, e.g. http://127.0.0.1:8188")
	pf.StringVar(&app.backendPath, "backend-path", "", "Backend installation directory")
	pf.StringVar(&app.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default command)",
		RunE:  app.runServe,
	}
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().IntVar(&app.port, "port", 0, "Control surface port (default 3005)")
		cmd.Flags().IntVar(&app.wsPort, "ws-port", 0, "Extra client socket port (default 3001, -1 disables)")
		cmd.Flags().BoolVar(&app.strict, "strict", false, "Exit when the backend is unreachable at startup")
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Summarize the model files of the backend installation",
		Args:  cobra.NoArgs,
		RunE:  app.runModels,
	}
	modelsCmd.Flags().BoolVar(&app.modelsJSON, "json", false, "Output as JSON")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Probe backend liveness and exit non-zero when unreachable",
		Args:  cobra.NoArgs,
		RunE:  app.runCheck,
	}
	checkCmd.Flags().DurationVar(&app.checkTimeout, "timeout", 5*time.Second, "Probe timeout")

	rootCmd.AddCommand(serveCmd, modelsCmd, checkCmd)
	return rootCmd
}

// setup loads configuration and installs the logger.
func (a *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.configPath, a.envFile, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	a.applyFlags(cmd, &cfg)
	a.config = cfg

	logCfg, err := cfg.loggingConfig()
	if err != nil {
		return err
	}
	logCfg.Output = cmd.ErrOrStderr()
	a.logger = logging.New(logCfg)
	slog.SetDefault(a.logger.Slog())
	return nil
}

func (a *cli) teardown(*cobra.Command, []string) error {
	if a.logger != nil {
		return a.logger.Close()
	}
	return nil
}

// applyFlags overlays flags the user set explicitly.
func (a *cli) applyFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.Relay.DataDir = a.dataDir
	}
	if flags.Changed("backend-url") {
		cfg.Relay.BackendURL = a.backendURL
	}
	if flags.Changed("backend-path") {
		cfg.Relay.BackendPath = a.backendPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("port") {
		cfg.Relay.Port = a.port
	}
	if flags.Changed("ws-port") {
		cfg.Relay.WSPort = a.wsPort
	}
	if flags.Changed("strict") {
		cfg.Relay.StrictStartup = a.strict
	}
}

// =============================================================================
// serve
// =============================================================================

func (a *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.config.Relay
	cfg.Logger = a.logger.Slog()

	slog.Info("Starting relay",
		"port", cfg.Port,
		"ws_port", cfg.WSPort,
		"data_dir", cfg.DataDir,
		"backend_url", cfg.BackendURL,
	)

	svc, err := relay.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	return svc.Run(ctx)
}

// =============================================================================
// models
// =============================================================================

func (a *cli) runModels(cmd *cobra.Command, _ []string) error {
	logger := a.logger.Slog()
	cfg := a.config.Relay

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	store := settings.New(dataDir, cfg.BackendPath, logger)
	if err := store.Load(); err != nil {
		logger.Warn("settings not loaded, using configured backend path", "error", err)
	}
	if store.BackendPath() == "" {
		return fmt.Errorf("no backend path configured; set backend_path or --backend-path")
	}

	scanner := models.NewScanner(store.BackendPath, logger)
	summary, err := scanner.Summarize(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.modelsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Fprintf(out, "Models in %s\n\n", summary.ModelsDir)
	fmt.Fprintln(out, renderModels(summary))
	if len(summary.Unrecognized) > 0 {
		fmt.Fprintf(out, "\nUnrecognized extensions: %v\n", summary.Unrecognized)
	}
	return nil
}

// =============================================================================
// check
// =============================================================================

func (a *cli) runCheck(cmd *cobra.Command, _ []string) error {
	cfg := a.config.Relay
	gw, err := gateway.New(gateway.Config{
		BaseURL:  cfg.BackendURL,
		ClientID: cfg.ClientID,
		Logger:   a.logger.Slog(),
	}, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.checkTimeout)
	defer cancel()

	if err := gw.CheckHealth(ctx); err != nil {
		return fmt.Errorf("backend check failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backend reachable at %s\n", displayURL(cfg.BackendURL))
	return nil
}

func displayURL(u string) string {
	if u == "" {
		return gateway.DefaultBaseURL
	}
	return u
}
