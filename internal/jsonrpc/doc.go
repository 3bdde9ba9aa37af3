// Package jsonrpc implements the JSON-RPC 2.0 message model used on the wire.
//
// A decoded payload becomes exactly one Message whose Kind is derived from the
// fields present:
//
//   - id and method          → KindCall
//   - id, no method, result  → KindResult
//   - id, no method, error   → KindError
//   - method, no id          → KindNotification
//
// Unknown fields are ignored. A payload that is not well-formed yields a
// *DecodeError; when a correlation id can still be recovered from the raw
// bytes the error carries it so a Parse Error response can be returned.
//
// Error codes follow the JSON-RPC 2.0 reserved range plus the gateway's
// domain codes in -32001..-32016 and LSP's -32800 for cancelled requests.
package jsonrpc
