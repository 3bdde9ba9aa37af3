// Package ingress admits caller-originated notifications.
//
// Each connection gets its own Ingress. A kaiak/client/user_message
// notification is checked, in order, for size, per-connection rate, shape,
// session ownership and replay, and is then handed to the session (user
// input), the approval gate (confirmations, elicitation answers) or the
// session's in-flight call (cancel). The gateway never interprets user input.
//
// Rejections are returned as *Rejection carrying a wire error code. The
// gateway reports them back to the caller out of band, since notifications
// have no response.
package ingress
