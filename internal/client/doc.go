// Package client is the caller side of the kaiak protocol.
//
// A Client correlates call responses by id and hands every kaiak/stream/*
// notification to the Notifications channel. When the connection drops,
// pending calls fail with a synthesized internal error. Caller
// notifications are retried with backoff (100ms, 500ms, 2s by default),
// redialing the gateway between attempts; SendUserMessage stamps each
// message with a notification id so the gateway drops replays.
package client
