package util

import "strings"

// ShellQuote returns s as a single POSIX shell word. Embedded single quotes
// become '\'' so nothing inside is expanded.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
