package util

import "fmt"

// DefaultDetailMaxLen caps free-form detail strings kept in the audit log.
const DefaultDetailMaxLen = 1024

// Truncate shortens long strings destined for logs or audit details.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// MaskToken hides all but the tail of a bearer or refresh token so logs can
// correlate tokens without exposing them.
func MaskToken(t string) string {
	if len(t) < 20 {
		return "***"
	}
	return "..." + t[len(t)-12:]
}
