// ABOUTME: Gateway orchestrator that owns the registry, approval gate and transports
// ABOUTME: Serves callers over stdio or a unix socket and runs the background janitors

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/kaiak-gateway/internal/approval"
	"github.com/2389/kaiak-gateway/internal/config"
	"github.com/2389/kaiak-gateway/internal/dedupe"
	"github.com/2389/kaiak-gateway/internal/engine"
	"github.com/2389/kaiak-gateway/internal/metrics"
	"github.com/2389/kaiak-gateway/internal/session"
	"github.com/2389/kaiak-gateway/internal/store"
	"github.com/2389/kaiak-gateway/internal/transport"
)

// sweepInterval is how often the replay and answered-interaction windows are swept.
const sweepInterval = time.Minute

// Options wire a Gateway. Engine and Base are required; everything else has
// an in-memory default.
type Options struct {
	Init    config.InitConfig
	Base    *config.BaseStore
	Engine  engine.Engine
	Store   store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gateway serves the kaiak protocol.
type Gateway struct {
	init     config.InitConfig
	base     *config.BaseStore
	engine   engine.Engine
	store    store.Store
	registry *session.Registry
	gate     *approval.Gate
	replays  *dedupe.Window
	answered *dedupe.Window
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// New creates a gateway from opts.
func New(opts Options) (*Gateway, error) {
	if opts.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if opts.Base == nil {
		return nil, errors.New("gateway: base configuration is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	answered := dedupe.NewWindow(dedupe.DefaultTTL, dedupe.DefaultMaxKeys)
	g := &Gateway{
		init:   opts.Init,
		base:   opts.Base,
		engine: opts.Engine,
		store:  st,
		registry: session.NewRegistry(session.Options{
			Engine:      opts.Engine,
			Store:       st,
			MaxSessions: opts.Init.MaxConcurrentSessions,
			IdleTimeout: opts.Init.SessionIdleTimeout,
			Metrics:     opts.Metrics,
			Logger:      logger,
		}),
		gate:     approval.NewGate(opts.Init.InteractionTimeout, answered, opts.Metrics, logger),
		replays:  dedupe.NewWindow(dedupe.DefaultTTL, dedupe.DefaultMaxKeys),
		answered: answered,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "gateway"),
		conns:    make(map[string]*conn),
	}
	return g, nil
}

// Registry returns the session registry.
func (g *Gateway) Registry() *session.Registry { return g.registry }

// Run serves the configured transport until ctx is done, alongside the idle
// session janitor, the dedupe sweepers and the optional metrics endpoint.
func (g *Gateway) Run(ctx context.Context, stdio io.ReadWriteCloser) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.registry.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		g.replays.Run(ctx, sweepInterval)
		return nil
	})
	eg.Go(func() error {
		g.answered.Run(ctx, sweepInterval)
		return nil
	})
	if g.init.MetricsSocket != "" && g.metrics != nil {
		eg.Go(func() error {
			g.logger.Info("serving metrics", "socket", g.init.MetricsSocket)
			return g.metrics.Serve(ctx, g.init.MetricsSocket)
		})
	}

	eg.Go(func() error {
		switch g.init.Transport {
		case config.TransportSocket:
			ln, err := transport.Listen(g.init.SocketPath)
			if err != nil {
				return err
			}
			g.logger.Info("listening", "transport", config.TransportSocket, "socket", g.init.SocketPath)
			return g.ServeListener(ctx, ln)
		default:
			g.logger.Info("serving", "transport", config.TransportStdio)
			err := g.ServeConn(ctx, stdio)
			if err == nil && ctx.Err() == nil {
				// The caller hung up; a stdio gateway has nobody left to serve.
				return errStdioClosed
			}
			return err
		}
	})

	err := eg.Wait()
	if errors.Is(err, errStdioClosed) {
		err = nil
	}
	return err
}

var errStdioClosed = errors.New("stdio closed")

// ServeListener accepts connections until ctx is done or the listener fails.
// It waits for every accepted connection to finish.
func (g *Gateway) ServeListener(ctx context.Context, ln net.Listener) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	eg.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			eg.Go(func() error {
				if err := g.ServeConn(ctx, nc); err != nil {
					g.logger.Warn("connection ended with error", "error", err)
				}
				return nil
			})
		}
	})

	return eg.Wait()
}

// ServeConn serves one caller until it disconnects, the stream turns out to be
// corrupt, or ctx is done. In-flight calls are answered before it returns.
func (g *Gateway) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	c := newConn(g, rwc)

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, c.id)
		g.mu.Unlock()
	}()

	c.logger.Info("caller connected")
	err := c.serve(ctx)
	c.logger.Info("caller disconnected", "error", err)
	return err
}

// Connections returns the number of connected callers.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown terminates every session and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.registry.Close(ctx)

	var errs []error
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errors.Join(errs...)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
