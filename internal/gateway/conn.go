// ABOUTME: One caller connection: framed reader, queued writer and call bookkeeping
// ABOUTME: Guarantees one response per call and routes caller notifications to ingress

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/kaiak-gateway/internal/bridge"
	"github.com/2389/kaiak-gateway/internal/ingress"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
	"github.com/2389/kaiak-gateway/internal/transport"
)

// outboundQueue is the number of encoded messages buffered for the writer.
const outboundQueue = 256

// ErrConnClosed is returned by Notify once the connection's writer has stopped.
var ErrConnClosed = errors.New("connection closed")

type conn struct {
	id      string
	gw      *Gateway
	framer  *transport.Framer
	ingress *ingress.Ingress
	bridge  *bridge.Bridge
	logger  *slog.Logger

	out     chan []byte
	drain   chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	closing  bool
	inflight map[jsonrpc.ID]struct{}
	calls    sync.WaitGroup
}

func newConn(g *Gateway, rwc io.ReadWriteCloser) *conn {
	c := &conn{
		id:       uuid.NewString(),
		gw:       g,
		framer:   transport.NewFramer(rwc),
		out:      make(chan []byte, outboundQueue),
		drain:    make(chan struct{}),
		stopped:  make(chan struct{}),
		inflight: make(map[jsonrpc.ID]struct{}),
	}
	c.logger = g.logger.With("conn_id", c.id)
	c.ingress = ingress.New(c.id, g.registry, g.gate, g.replays, g.metrics, g.logger)
	c.bridge = bridge.New(c, bridge.Options{
		Gate:    g.gate,
		Store:   g.store,
		Metrics: g.metrics,
		Logger:  c.logger,
		Grace:   g.init.CancelGracePeriod,
	})
	return c
}

// serve runs the connection. A clean hang-up lets in-flight calls finish;
// a corrupt stream, a failed write or ctx cancels them.
func (c *conn) serve(ctx context.Context) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writer errgroup.Group
	writer.Go(func() error {
		defer close(c.stopped)
		err := c.writeLoop()
		if err != nil {
			cancel()
		}
		return err
	})

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(callCtx) }()

	var err error
	select {
	case err = <-readErr:
		if err != nil {
			c.logger.Warn("connection stream is corrupt", "error", err)
			cancel()
		}
	case <-callCtx.Done():
	}

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.calls.Wait()

	close(c.drain)
	if werr := writer.Wait(); werr != nil && err == nil {
		err = werr
	}
	if cerr := c.framer.Close(); cerr != nil {
		c.logger.Debug("closing stream", "error", cerr)
	}
	return err
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		payload, err := c.framer.ReadMessage()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		c.dispatch(ctx, payload)
	}
}

func (c *conn) dispatch(ctx context.Context, payload []byte) {
	msg, err := jsonrpc.Decode(payload)
	if err != nil {
		var de *jsonrpc.DecodeError
		if errors.As(err, &de) && !de.ID.IsZero() {
			c.send(jsonrpc.NewErrorResponse(de.ID, de.Err))
			return
		}
		c.logger.Warn("dropping undecodable message", "error", err, "bytes", len(payload))
		return
	}

	switch msg.Kind {
	case jsonrpc.KindCall:
		c.startCall(ctx, msg)
	case jsonrpc.KindNotification:
		c.notification(ctx, msg)
	default:
		c.logger.Debug("ignoring response from caller", "id", string(msg.ID), "kind", msg.Kind.String())
	}
}

func (c *conn) startCall(ctx context.Context, msg *jsonrpc.Message) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.logger.Warn("dropping call received while closing", "id", string(msg.ID), "method", msg.Method)
		return
	}
	if _, dup := c.inflight[msg.ID]; dup {
		c.mu.Unlock()
		c.send(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Duplicate request id", string(msg.ID))))
		return
	}
	c.inflight[msg.ID] = struct{}{}
	c.calls.Add(1)
	c.mu.Unlock()

	go c.runCall(ctx, msg)
}

// runCall executes one call and always sends exactly one response.
func (c *conn) runCall(ctx context.Context, msg *jsonrpc.Message) {
	start := time.Now()
	var resp *jsonrpc.Message

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("call handler panicked", "method", msg.Method, "panic", r)
			resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.Internal(fmt.Errorf("handler panic: %v", r)))
		}

		outcome := "ok"
		if resp.Kind == jsonrpc.KindError {
			outcome = strconv.Itoa(resp.Error.Code)
		}
		c.gw.metrics.RecordCall(msg.Method, outcome, time.Since(start))

		c.mu.Lock()
		delete(c.inflight, msg.ID)
		c.mu.Unlock()

		c.send(resp)
		c.calls.Done()
	}()

	result, rpcErr := c.gw.route(ctx, c, msg.Method, msg.Params)
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(msg.ID, rpcErr)
		return
	}
	resp, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.Internal(err))
	}
}

func (c *conn) notification(ctx context.Context, msg *jsonrpc.Message) {
	if msg.Method != jsonrpc.MethodClientUserMessage {
		c.logger.Warn("ignoring unknown notification", "method", msg.Method)
		return
	}

	outcome, err := c.ingress.Handle(msg.Params)
	if err == nil {
		c.logger.Debug("caller notification admitted", "outcome", outcome)
		return
	}

	var rej *ingress.Rejection
	if !errors.As(err, &rej) {
		c.logger.Error("caller notification failed", "error", err)
		return
	}
	env := &bridge.Envelope{
		SessionID: rej.SessionID,
		Timestamp: time.Now().UTC(),
		Kind:      bridge.KindError,
		Payload: bridge.Error{
			Code:        rej.Code,
			Message:     rej.Reason + ": " + rej.Message,
			Recoverable: true,
		},
	}
	if err := c.Notify(context.WithoutCancel(ctx), env.Method(), env); err != nil {
		c.logger.Warn("failed to report rejected notification", "reason", rej.Reason, "error", err)
	}
}

// Notify queues a notification for the caller. It implements bridge.Sender.
func (c *conn) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, payload)
}

func (c *conn) send(msg *jsonrpc.Message) {
	payload, err := jsonrpc.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode response", "id", string(msg.ID), "error", err)
		payload, _ = jsonrpc.Encode(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.Internal(err)))
	}
	if err := c.enqueue(context.Background(), payload); err != nil {
		c.logger.Warn("response not delivered", "id", string(msg.ID), "error", err)
	}
}

func (c *conn) enqueue(ctx context.Context, payload []byte) error {
	select {
	case <-c.stopped:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- payload:
		return nil
	case <-c.stopped:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop writes queued messages until drain is closed and the queue is
// empty, or a write fails.
func (c *conn) writeLoop() error {
	for {
		select {
		case payload := <-c.out:
			if err := c.framer.WriteMessage(payload); err != nil {
				return fmt.Errorf("writing message: %w", err)
			}
		case <-c.drain:
			for {
				select {
				case payload := <-c.out:
					if err := c.framer.WriteMessage(payload); err != nil {
						return fmt.Errorf("writing message: %w", err)
					}
				default:
					return nil
				}
			}
		}
	}
}
