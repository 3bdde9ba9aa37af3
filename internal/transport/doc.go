// Package transport turns duplex byte streams into whole JSON-RPC payloads.
//
// # Framing
//
// Every payload is preceded by an LSP-style header block:
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"kaiak/configure"}
//
// Header names are case-insensitive and headers other than Content-Length are
// ignored. A header block without a usable Content-Length is a fatal framing
// error; the connection must be dropped. A stream that ends before a frame is
// complete reports ErrClosed, never a partial frame.
//
// # Endpoints
//
// Two endpoints are supported and both are local only:
//
//   - Stdio(): the process's standard input and output
//   - Listen(path) / Dial(ctx, path): a unix domain socket
package transport
