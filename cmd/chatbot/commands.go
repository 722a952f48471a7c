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
	"errors"
	"io/fs"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "chatbot.yaml"

// cliState carries values shared by every subcommand.
type cliState struct {
	configPath string
	logLevel   string
	config     orchestrator.Config
	logger     *logging.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	rootCmd := &cobra.Command{
		Use:           "chatbot",
		Short:         "Conversational retrieval chatbot",
		Long:          "Answers questions from local and web documents, remembering each session's conversation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, state.configPath)
			if err != nil {
				return err
			}
			level, err := logging.ParseLevel(state.logLevel)
			if err != nil {
				return err
			}
			state.config = cfg
			state.logger = logging.New(logging.Config{
				Level:   level,
				LogDir:  cfg.LogDir,
				Service: "chatbot",
				JSON:    cfg.LogJSON,
			})
			state.logger.Install()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if state.logger != nil {
				return state.logger.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&state.configPath, "config", "c", defaultConfigPath, "Path to the YAML configuration file")
	flags.StringVar(&state.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.String("llm-backend", "", "LLM backend: ollama or openai")
	flags.String("weaviate-url", "", "Weaviate URL for document retrieval")
	flags.String("embedding-url", "", "Embedding service URL")
	flags.String("session-store", "", "Session store: memory or badger")
	flags.String("session-db-path", "", "BadgerDB directory for the badger session store")
	flags.Int("summarization-threshold", 0, "History length that triggers summarization")

	rootCmd.AddCommand(newServeCmd(state), newAskCmd(state))
	return rootCmd
}

func newServeCmd(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chatbot HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
				state.config.Port = port
			}

			svc, err := orchestrator.New(state.config)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					slog.Warn("shutdown cleanup failed", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
	cmd.Flags().IntP("port", "p", 0, "HTTP port (default 12210)")
	return cmd
}

// loadConfig layers the YAML file, the environment and explicitly set flags.
// A missing file is only an error when --config was given.
func loadConfig(cmd *cobra.Command, path string) (orchestrator.Config, error) {
	var cfg orchestrator.Config
	if path != "" {
		loaded, err := orchestrator.LoadConfigFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		default:
			return cfg, err
		}
	}

	cfg = orchestrator.ApplyEnv(cfg)

	flags := cmd.Flags()
	if flags.Changed("llm-backend") {
		cfg.LLMBackend, _ = flags.GetString("llm-backend")
	}
	if flags.Changed("weaviate-url") {
		cfg.WeaviateURL, _ = flags.GetString("weaviate-url")
	}
	if flags.Changed("embedding-url") {
		cfg.EmbeddingURL, _ = flags.GetString("embedding-url")
	}
	if flags.Changed("session-store") {
		cfg.SessionStore, _ = flags.GetString("session-store")
	}
	if flags.Changed("session-db-path") {
		cfg.SessionDBPath, _ = flags.GetString("session-db-path")
	}
	if flags.Changed("summarization-threshold") {
		cfg.SummarizationThreshold, _ = flags.GetInt("summarization-threshold")
	}
	return cfg, nil
}
