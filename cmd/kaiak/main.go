// ABOUTME: Entry point for the kaiak gateway and its caller-side commands
// ABOUTME: Builds the cobra command tree and resolves configuration from files and flags

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/kaiak-gateway/internal/config"
)

// Version is set at build time.
var version = "dev"

// Flags shared by every command.
var (
	userConfigPath    string
	bundledConfigPath string
	configJSON        string
	socketPath        string
	logLevel          string
	logFormat         string
	storagePath       string
	callTimeout       time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "kaiak",
	Short: "Session gateway between an editor and a fix-generating engine",
	Long: `kaiak runs a JSON-RPC 2.0 gateway over stdio or a unix socket.

Callers submit incidents with kaiak/generate_fix and receive progress,
tool calls, approval prompts and file modifications as kaiak/stream/*
notifications while the call is running.

The client commands (submit, configure, delete-session, notify) talk to a
gateway that serves a unix socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&userConfigPath, "config", config.DefaultUserPath(), "User configuration file")
	pf.StringVar(&bundledConfigPath, "default-config", config.DefaultBundledPath(), "Bundled default configuration file")
	pf.StringVar(&configJSON, "config-json", "", "Configuration overrides as a JSON object")
	pf.StringVar(&socketPath, "socket", "", "Unix socket path (sets init.socket_path)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&storagePath, "storage", "", "SQLite database for sessions and the event ledger")
	pf.DurationVar(&callTimeout, "timeout", 30*time.Minute, "Timeout for client calls")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(deleteSessionCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kaiak %s\n", version)
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// layerOptions collects the configuration sources named on the command line.
// Flag values win over --config-json.
func layerOptions(cmd *cobra.Command) (config.LayerOptions, error) {
	opts := config.LayerOptions{
		BundledPath: bundledConfigPath,
		UserPath:    userConfigPath,
	}

	var layers []config.Layer
	if configJSON != "" {
		var fields map[string]any
		if err := json.Unmarshal([]byte(configJSON), &fields); err != nil {
			return opts, fmt.Errorf("parsing --config-json: %w", err)
		}
		layers = append(layers, config.Layer{Source: "--config-json", Priority: 0, Fields: fields})
	}

	initFields := make(map[string]any)
	flags := cmd.Flags()
	for flag, key := range map[string]string{
		"socket":     "socket_path",
		"log-level":  "log_level",
		"log-format": "log_format",
		"storage":    "storage_path",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			initFields[key] = f.Value.String()
		}
	}
	if flags.Changed("socket") {
		initFields["transport"] = config.TransportSocket
	}
	if len(initFields) > 0 {
		layers = append(layers, config.Layer{Source: "flags", Priority: 1, Fields: map[string]any{"init": initFields}})
	}

	if len(layers) > 0 {
		opts.Overrides = config.Merge(layers)
	}
	return opts, nil
}

// resolveConfig loads every layer and returns the effective configuration.
func resolveConfig(cmd *cobra.Command) (config.LayerOptions, *config.Effective, error) {
	opts, err := layerOptions(cmd)
	if err != nil {
		return opts, nil, err
	}
	layers, err := config.StandardLayers(opts)
	if err != nil {
		return opts, nil, fmt.Errorf("loading config: %w", err)
	}
	eff, err := config.Resolve(layers)
	if err != nil {
		return opts, nil, err
	}
	return opts, eff, nil
}
