package tui

import "strings"

// humanError keeps the innermost message of a wrapped error string.
// "persistence: write session: disk I/O error" → "Disk I/O error"
func humanError(msg string) string {
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}
