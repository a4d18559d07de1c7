package adapter

import "strings"

// ShellQuote escapes s for safe embedding inside a single-quoted shell
// word so the value survives one level of nested shell wrapping (the
// `bash -lc <command>` invocation): each embedded single quote closes the
// quoted span, emits an escaped literal quote, then reopens it. Per §9
// Design Notes, adapters should prefer passing values through environment
// variables and only fall back to inline quoting when an agent insists on
// a literal argument in the command string.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, "'") {
		return "'" + s + "'"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
