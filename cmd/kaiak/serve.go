// ABOUTME: The serve command: resolves configuration and runs the gateway
// ABOUTME: The startup banner goes to stderr so a stdio transport stays clean

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/gateway"
	"github.com/2389/kaiak-gateway/internal/metrics"
	"github.com/2389/kaiak-gateway/internal/store"
	"github.com/2389/kaiak-gateway/internal/transport"
)

const banner = `
  _         _       _
 | | ____ _(_) __ _| | __
 | |/ / _' | |/ _' | |/ /
 |   < (_| | | (_| |   <
 |_|\_\__,_|_|\__,_|_|\_\
`

var (
	engineStep   time.Duration
	engineElicit bool
	watchConfig  bool
	quiet        bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway on the configured transport.

With init.transport = "stdio" (the default) the gateway reads framed
messages from stdin and writes them to stdout until stdin closes. With
"socket" (or --socket) it accepts any number of callers on a unix socket.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&engineStep, "engine-step", 150*time.Millisecond, "Pause between scripted engine events")
	serveCmd.Flags().BoolVar(&engineElicit, "engine-elicit", false, "Ask the caller a question before each run")
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "Re-apply base settings when the user config file changes")
	serveCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Skip the startup banner")
}

func runServe(cmd *cobra.Command, _ []string) error {
	opts, eff, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	logger := setupLogger(stderr, eff.Init.LogLevel, eff.Init.LogFormat)
	if !quiet {
		printBanner(stderr, eff)
	}

	logger.Info("starting kaiak gateway",
		"version", version,
		"transport", eff.Init.Transport,
		"sources", eff.Sources,
	)

	return serve(cmd.Context(), opts, eff, transport.Stdio(), logger)
}

// serve wires the gateway from eff and runs it until ctx is done or the
// stdio caller hangs up.
func serve(ctx context.Context, opts config.LayerOptions, eff *config.Effective, stdio io.ReadWriteCloser, logger *slog.Logger) error {
	st, err := openStore(eff.Init.StoragePath, logger)
	if err != nil {
		return err
	}

	base := config.NewBaseStore(eff)
	gw, err := gateway.New(gateway.Options{
		Init: eff.Init,
		Base: base,
		Engine: engine.NewScripted(engine.ScriptedOptions{
			Step:   engineStep,
			Elicit: engineElicit,
			Logger: logger,
		}),
		Store:   st,
		Metrics: metrics.New(),
		Logger:  logger,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating gateway: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var eg errgroup.Group
	if watchConfig {
		reloader := config.NewReloader(opts, eff.Init, base, logger)
		eg.Go(func() error {
			return reloader.Run(runCtx)
		})
	}

	runErr := gw.Run(runCtx, stdio)
	cancel()
	if err := eg.Wait(); err != nil {
		logger.Warn("config watcher stopped", "error", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("kaiak gateway stopped")

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func openStore(path string, logger *slog.Logger) (store.Store, error) {
	if path == "" {
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

func printBanner(w io.Writer, eff *config.Effective) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-10s %s\n", label+":", value)
	}
	line("Transport", eff.Init.Transport)
	if eff.Init.Transport == config.TransportSocket {
		line("Socket", eff.Init.SocketPath)
	}
	line("Model", eff.Base.Model.Provider+"/"+eff.Base.Model.Model)
	line("Sessions", fmt.Sprintf("%d max, idle %s", eff.Init.MaxConcurrentSessions, eff.Init.SessionIdleTimeout))
	if eff.Init.StoragePath != "" {
		line("Storage", eff.Init.StoragePath)
	} else {
		line("Storage", gray.Sprint("in-memory"))
	}
	if eff.Init.MetricsSocket != "" {
		line("Metrics", eff.Init.MetricsSocket)
	}
	fmt.Fprintln(w)
}
