// ABOUTME: Local-only endpoints for the gateway: process stdio and unix domain sockets.
// ABOUTME: Only local endpoints exist; there is no TCP listener.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
)

type stdio struct {
	in  io.ReadCloser
	out io.WriteCloser
}

// Stdio returns the process's standard input/output as one duplex stream.
func Stdio() io.ReadWriteCloser {
	return &stdio{in: os.Stdin, out: os.Stdout}
}

// Pipe joins an arbitrary reader and writer, mainly for tests and child processes.
func Pipe(in io.ReadCloser, out io.WriteCloser) io.ReadWriteCloser {
	return &stdio{in: in, out: out}
}

func (s *stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s *stdio) Close() error {
	return errors.Join(s.in.Close(), s.out.Close())
}

// Listen opens a unix domain socket at path. A stale socket file left by a
// dead process is removed; a live one is an error.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is already in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return ln, nil
}

// Dial connects to a gateway listening on a unix domain socket.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return conn, nil
}
