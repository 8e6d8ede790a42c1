package judge

import "strings"

// DefaultInternalFramePrefixes mark the first stack frame belonging to the
// JVM's reflective dispatch, below which a trace says nothing about the
// submitted code.
var DefaultInternalFramePrefixes = []string{"at sun.reflect", "at jdk.internal.reflect"}

// CleanTrace truncates trace immediately before the first line whose trimmed
// form starts with one of prefixes. The trace is returned unchanged when no
// line matches. Nil prefixes use DefaultInternalFramePrefixes.
func CleanTrace(trace string, prefixes []string) string {
	if len(prefixes) == 0 {
		prefixes = DefaultInternalFramePrefixes
	}

	lines := strings.Split(trace, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, p := range prefixes {
			if strings.HasPrefix(trimmed, p) {
				return strings.Join(lines[:i], "\n")
			}
		}
	}
	return trace
}
