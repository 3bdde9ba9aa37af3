// ABOUTME: Caller-side JSON-RPC client for the kaiak gateway
// ABOUTME: Correlates responses, surfaces stream notifications and retries caller notifications

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/kaiak-gateway/internal/ingress"
	"github.com/2389/kaiak-gateway/internal/jsonrpc"
	"github.com/2389/kaiak-gateway/internal/transport"
)

// DefaultRetryDelays are the waits before each retry of a failed notification.
var DefaultRetryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client closed")
	// ErrDisconnected is returned when the gateway connection is gone and
	// cannot be re-established.
	ErrDisconnected = errors.New("gateway connection lost")
	// ErrDeliveryFailed is returned when a notification could not be sent
	// after every retry.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

// Options configure a Client.
type Options struct {
	// Redial re-establishes the connection after it was lost. Without it a
	// lost connection is permanent.
	Redial func(ctx context.Context) (io.ReadWriteCloser, error)
	// RetryDelays overrides DefaultRetryDelays.
	RetryDelays []time.Duration
	// NotificationBuffer is the capacity of the Notifications channel.
	NotificationBuffer int
	Logger             *slog.Logger
}

// Notification is a message pushed by the gateway.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Client talks to one gateway.
type Client struct {
	opts          Options
	logger        *slog.Logger
	notifications chan Notification
	quit          chan struct{}
	nextID        atomic.Int64

	mu     sync.Mutex
	link   *link
	closed bool
	wg     sync.WaitGroup
}

// New starts a client over an established stream.
func New(rwc io.ReadWriteCloser, opts Options) *Client {
	if opts.RetryDelays == nil {
		opts.RetryDelays = DefaultRetryDelays
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		opts:          opts,
		logger:        logger.With("component", "client"),
		notifications: make(chan Notification, opts.NotificationBuffer),
		quit:          make(chan struct{}),
	}
	c.link = c.start(rwc)
	return c
}

// Dial connects to a gateway on a unix socket. Lost connections are redialed.
func Dial(ctx context.Context, socketPath string, opts Options) (*Client, error) {
	nc, err := transport.Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	if opts.Redial == nil {
		opts.Redial = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return transport.Dial(ctx, socketPath)
		}
	}
	return New(nc, opts), nil
}

// Notifications delivers gateway notifications in arrival order. It is
// closed by Close.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Call sends a request and waits for its response. An error response is
// returned as *jsonrpc.Error. If result is non-nil the result is decoded
// into it.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	l, err := c.current(ctx)
	if err != nil {
		return err
	}

	id := jsonrpc.IntID(c.nextID.Add(1))
	msg, err := jsonrpc.NewCall(id, method, params)
	if err != nil {
		return err
	}
	payload, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	ch, err := l.register(id)
	if err != nil {
		return err
	}
	if err := l.framer.WriteMessage(payload); err != nil {
		l.unregister(id)
		l.fail(err)
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	select {
	case resp := <-ch:
		if resp.Kind == jsonrpc.KindError {
			return resp.Error
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		l.unregister(id)
		return ctx.Err()
	}
}

// Notify sends a notification. Failed sends are retried after each of the
// configured delays, redialing when possible.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= len(c.opts.RetryDelays); attempt++ {
		if attempt > 0 {
			delay := c.opts.RetryDelays[attempt-1]
			c.logger.Warn("notification send failed, retrying", "method", method, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.write(ctx, payload)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrClosed) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, len(c.opts.RetryDelays)+1, lastErr)
}

// SendUserMessage sends kaiak/client/user_message with a fresh notification
// id, so a retried send is delivered at most once. It returns that id.
//
// Session ownership belongs to a connection. After a redial the new
// connection owns none of the old connection's sessions, so a retried
// message is accepted on the wire but rejected by the gateway with a
// session_not_owned error notification. A later generate_fix on the same
// session id takes ownership again.
func (c *Client) SendUserMessage(ctx context.Context, sessionID, messageType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	msg := ingress.UserMessage{
		SessionID:      sessionID,
		MessageType:    messageType,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Payload:        raw,
		NotificationID: uuid.NewString(),
	}
	return msg.NotificationID, c.Notify(ctx, jsonrpc.MethodClientUserMessage, msg)
}

// Close disconnects and fails every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	close(c.quit)
	err := l.framer.Close()
	c.wg.Wait()
	close(c.notifications)
	return err
}

func (c *Client) write(ctx context.Context, payload []byte) error {
	l, err := c.current(ctx)
	if err != nil {
		return err
	}
	if err := l.framer.WriteMessage(payload); err != nil {
		l.fail(err)
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// current returns a live link, redialing if the last one ended.
func (c *Client) current(ctx context.Context) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.link.ended() {
		return c.link, nil
	}
	if c.opts.Redial == nil {
		return nil, ErrDisconnected
	}

	rwc, err := c.opts.Redial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: redial: %w", ErrDisconnected, err)
	}
	c.logger.Info("reconnected to gateway")
	c.link = c.start(rwc)
	return c.link, nil
}

func (c *Client) start(rwc io.ReadWriteCloser) *link {
	l := &link{
		framer:  transport.NewFramer(rwc),
		done:    make(chan struct{}),
		pending: make(map[jsonrpc.ID]chan *jsonrpc.Message),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		l.fail(c.readLoop(l))
	}()
	return l
}

func (c *Client) readLoop(l *link) error {
	for {
		payload, err := l.framer.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := jsonrpc.Decode(payload)
		if err != nil {
			c.logger.Warn("dropping undecodable message from gateway", "error", err)
			continue
		}

		switch msg.Kind {
		case jsonrpc.KindResult, jsonrpc.KindError:
			l.resolve(msg)
		case jsonrpc.KindNotification:
			select {
			case c.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
			case <-c.quit:
				return ErrClosed
			}
		default:
			c.logger.Warn("ignoring call from gateway", "method", msg.Method)
		}
	}
}

// link is one connection to the gateway.
type link struct {
	framer *transport.Framer
	done   chan struct{}

	mu      sync.Mutex
	err     error
	pending map[jsonrpc.ID]chan *jsonrpc.Message
}

func (l *link) ended() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) register(id jsonrpc.ID) (chan *jsonrpc.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, l.err)
	}
	ch := make(chan *jsonrpc.Message, 1)
	l.pending[id] = ch
	return ch, nil
}

func (l *link) unregister(id jsonrpc.ID) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *link) resolve(msg *jsonrpc.Message) {
	l.mu.Lock()
	ch, ok := l.pending[msg.ID]
	delete(l.pending, msg.ID)
	l.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// fail ends the link. Every pending call receives a synthesized internal
// error so no caller waits forever.
func (l *link) fail(err error) {
	if err == nil {
		err = ErrDisconnected
	}

	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return
	}
	l.err = err
	pending := l.pending
	l.pending = make(map[jsonrpc.ID]chan *jsonrpc.Message)
	l.mu.Unlock()

	for id, ch := range pending {
		ch <- jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeInternalError, "Connection lost", err.Error()))
	}
	_ = l.framer.Close()
	close(l.done)
}
