// Package approval decides whether risk-flagged tool calls may run.
//
// Lookup maps a tool name onto the session's permission table. Exact names
// win over `prefix*` patterns, the longest pattern wins among patterns, and
// anything not listed is denied. Tools the caller approved with always_allow
// during the session are allowed without asking again.
//
// When the policy says to ask, the Gate emits an Interaction, parks the
// session in Waiting and waits for the caller's answer or the interaction
// timeout. A timeout counts as a denial.
package approval
