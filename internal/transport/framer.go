// ABOUTME: Content-Length framing for JSON-RPC payloads over a duplex byte stream.
// ABOUTME: Reads complete frames or reports ErrClosed; malformed headers are connection-fatal.

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

// MaxFrameSize bounds a single payload. Larger frames are treated as corrupt.
const MaxFrameSize = 16 << 20

// ErrClosed is returned when the peer closed the stream, including mid-frame.
var ErrClosed = errors.New("stream closed")

// ErrMalformedHeader is returned when a header block cannot be parsed.
var ErrMalformedHeader = errors.New("malformed frame header")

// Framer reads and writes Content-Length framed messages.
// Reads must come from a single goroutine; writes are safe for concurrent use.
type Framer struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewFramer wraps a duplex stream.
func NewFramer(rwc io.ReadWriteCloser) *Framer {
	return &Framer{
		r:      bufio.NewReader(rwc),
		w:      rwc,
		closer: rwc,
	}
}

// ReadMessage blocks until a full payload arrives or the stream ends.
func (f *Framer) ReadMessage() ([]byte, error) {
	length := -1
	sawHeader := false

	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			if isClosed(err) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("reading header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				// Stray separators between frames are harmless.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content length %q", ErrMalformedHeader, value)
		}
		if n > MaxFrameSize {
			return nil, fmt.Errorf("%w: content length %d exceeds %d", ErrMalformedHeader, n, MaxFrameSize)
		}
		length = n
	}

	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrMalformedHeader)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if isClosed(err) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}

// WriteMessage writes one framed payload. Header and body go out in one write
// so concurrent writers never interleave.
func (f *Framer) WriteMessage(payload []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if _, err := f.w.Write(buf); err != nil {
		if isClosed(err) {
			return ErrClosed
		}
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close closes the underlying stream. It is safe to call multiple times.
func (f *Framer) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.closer.Close()
	})
	return f.closeErr
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
