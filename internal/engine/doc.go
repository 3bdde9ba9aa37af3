// Package engine defines the boundary to the reasoning engine and ships a
// scripted in-process implementation.
//
// The gateway treats the engine as a black box: it can create, look up and
// delete sessions, and submit work to a session. A submission returns a Run
// whose Events channel carries the engine's progress until the run finishes.
//
// # Events
//
// Events carry a free-form Kind and a JSON body. The gateway maps the kinds it
// knows and drops the rest, so an engine may emit kinds the gateway has never
// heard of. Events that need an answer (permission requests, elicitations)
// carry a Reply channel; the consumer must send exactly one Reply on it.
//
// # Inbox
//
// Caller-originated user input reaches a running submission through the
// Submission's Inbox channel. The engine decides what, if anything, to do with it.
package engine
