// Package require checks that monitored hosts have the tools the remote
// toolkit depends on before any monitor is started.
package require

import (
	"fmt"
	"regexp"
	"strings"
)

// Base lists the tools every monitored host needs for install, start and
// collection.
var Base = []string{"sh", "tar", "gzip", "mkdir", "rm", "cat", "nohup", "kill"}

// toolName admits names like nmon, python3.10 or g++ and nothing a shell
// would interpret.
var toolName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*$`)

// ValidateToolName reports whether name is safe to embed in a remote command.
func ValidateToolName(name string) bool {
	return toolName.MatchString(name)
}

// CheckResult is the outcome for one tool on one host.
type CheckResult struct {
	Name      string
	Satisfied bool
	// Err is set when the tool could not be checked at all.
	Err error
}

// Merge concatenates tool lists, dropping blanks and repeats. First
// occurrence wins the position.
func Merge(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, name := range list {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// FilterMissing returns the results that are not satisfied.
func FilterMissing(results []CheckResult) []CheckResult {
	var missing []CheckResult
	for _, r := range results {
		if !r.Satisfied {
			missing = append(missing, r)
		}
	}
	return missing
}

// FormatMissing renders missing results as "nmon, bad;name (not checked)".
func FormatMissing(missing []CheckResult) string {
	parts := make([]string, 0, len(missing))
	for _, m := range missing {
		if m.Err != nil {
			parts = append(parts, fmt.Sprintf("%s (not checked)", m.Name))
			continue
		}
		parts = append(parts, m.Name)
	}
	return strings.Join(parts, ", ")
}
