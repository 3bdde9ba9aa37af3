// ABOUTME: The config command group: init writes defaults, show prints the merged result
// ABOUTME: validate resolves every layer and reports all problems at once

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/kaiak-gateway/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the user config file",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check the configuration layers, or one file on top of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := userConfigPath
	if path == "" {
		return errors.New("no user config path; pass --config")
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists; pass --force to overwrite", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	var buf bytes.Buffer
	if err := config.WriteTOML(&buf, config.Defaults()); err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	_, eff, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	color.New(color.FgHiBlack).Fprintf(out, "# sources: %s\n", strings.Join(eff.Sources, ", "))
	return config.WriteTOML(out, eff.Fields)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	opts, err := layerOptions(cmd)
	if err != nil {
		return err
	}
	layers, err := config.StandardLayers(opts)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		fields, err := config.LoadFile(args[0])
		if err != nil {
			return err
		}
		layers = append(layers, config.Layer{Source: args[0], Priority: config.PriorityInvocation + 1, Fields: fields})
	}

	if _, err := config.Resolve(layers); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
	fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
	return nil
}
