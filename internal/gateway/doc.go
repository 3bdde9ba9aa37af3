// Package gateway serves the kaiak JSON-RPC protocol to callers.
//
// # Overview
//
// A Gateway owns the shared pieces of a running server: the session
// registry, the approval gate, the replay window for caller notifications
// and the Base configuration holder. Each caller connection gets its own
// conn, which runs one reader and one writer goroutine over a
// transport.Framer and one goroutine per in-flight call.
//
// # Calls
//
// The method set is closed:
//
//   - kaiak/configure merges fields into the Base configuration.
//   - kaiak/generate_fix creates or reuses a session, locks it, runs the
//     engine and streams kaiak/stream/* notifications until the run ends.
//     The result is only sent once the run has finished.
//   - kaiak/delete_session removes a session, refusing while it is locked
//     unless force is set.
//
// Anything else is answered with Method-Not-Found. Every call gets exactly
// one response, including when its handler panics.
//
// # Notifications
//
// kaiak/client/user_message is passed to the connection's ingress.Ingress.
// Rejections are reported back as a kaiak/stream/error notification without
// a sequence number.
package gateway
