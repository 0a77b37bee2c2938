package config

import (
	"fmt"
	"strings"
)

// PermissionMode is the agent-side permission mode passed as --permission-mode.
type PermissionMode string

const (
	PermissionModeUnset             PermissionMode = ""
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeDontAsk           PermissionMode = "dontAsk"
)

// PermissionModes lists the accepted modes in help order.
var PermissionModes = []PermissionMode{
	PermissionModeDefault,
	PermissionModeAcceptEdits,
	PermissionModeBypassPermissions,
	PermissionModePlan,
	PermissionModeDontAsk,
}

// ParsePermissionMode accepts exactly one of PermissionModes, or the empty
// string for an unset mode. Matching is case-sensitive.
func ParsePermissionMode(value string) (PermissionMode, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return PermissionModeUnset, nil
	}
	for _, mode := range PermissionModes {
		if string(mode) == trimmed {
			return mode, nil
		}
	}
	names := make([]string, 0, len(PermissionModes))
	for _, mode := range PermissionModes {
		names = append(names, string(mode))
	}
	return PermissionModeUnset, fmt.Errorf("%w: unknown permission mode %q (want one of %s)", ErrConfigInvalid, value, strings.Join(names, ", "))
}
