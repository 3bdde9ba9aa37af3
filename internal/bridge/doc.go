// Package bridge republishes a session's engine events as ordered
// notifications.
//
// Forward consumes one run's event channel. Each recognised event is mapped
// to exactly one Payload variant, stamped with the session's next sequence
// number and sent. Permission requests and elicitations are routed through
// the approval gate, which suspends only this session's loop while it waits.
// Events of unknown kinds, or with bodies that do not decode, are logged,
// counted and dropped.
//
// Every delivered envelope is appended to the store's ledger.
package bridge
