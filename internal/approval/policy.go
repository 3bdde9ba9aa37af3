// ABOUTME: Pure permission lookup from tool name and policy table to Allow, Deny or RequireApproval.
// ABOUTME: Unlisted tools are denied.

package approval

import (
	"strings"

	"github.com/2389/kaiak-gateway/internal/config"
)

// Policy is the outcome of a lookup.
type Policy string

const (
	Allow           Policy = "allow"
	Deny            Policy = "deny"
	RequireApproval Policy = "require_approval"
)

// Lookup returns the policy for tool. Keys in table are matched without
// regard to case.
func Lookup(tool string, table map[string]string) Policy {
	tool = strings.ToLower(tool)

	level, ok := "", false
	best := -1
	for pattern, l := range table {
		pattern = strings.ToLower(pattern)
		if pattern == tool {
			level, ok = l, true
			break
		}
		prefix, isPattern := strings.CutSuffix(pattern, "*")
		if isPattern && strings.HasPrefix(tool, prefix) && len(prefix) > best {
			level, ok, best = l, true, len(prefix)
		}
	}
	if !ok {
		return Deny
	}

	switch level {
	case config.PermissionAlwaysAllow:
		return Allow
	case config.PermissionAskBefore:
		return RequireApproval
	default:
		return Deny
	}
}
