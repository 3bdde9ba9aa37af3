// Package dedupe tracks recently seen keys inside a time window.
//
// The gateway uses one Window for inbound notification ids (replay
// suppression) and one for answered interaction ids, so a second answer to
// the same prompt is recognised as such instead of reported as unknown.
package dedupe
