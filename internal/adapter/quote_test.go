package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// bashUnquoteSingle mimics POSIX shell word-concatenation semantics well
// enough to round-trip ShellQuote's output: the word is a sequence of
// back-to-back single- and double-quoted spans, each literal inside.
func bashUnquoteSingle(t *testing.T, quoted string) string {
	t.Helper()
	var out []byte
	i := 0
	for i < len(quoted) {
		switch quoted[i] {
		case '\'':
			j := i + 1
			for j < len(quoted) && quoted[j] != '\'' {
				out = append(out, quoted[j])
				j++
			}
			require.Less(t, j, len(quoted), "unterminated single quote in %q", quoted)
			i = j + 1
		case '"':
			j := i + 1
			for j < len(quoted) && quoted[j] != '"' {
				out = append(out, quoted[j])
				j++
			}
			require.Less(t, j, len(quoted), "unterminated double quote in %q", quoted)
			i = j + 1
		default:
			t.Fatalf("unexpected unquoted byte %q at %d in %q", quoted[i], i, quoted)
		}
	}
	return string(out)
}

func TestShellQuoteRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"hello",
		"hello world",
		"it's a test",
		"''already quoted''",
		"multi\nline\nvalue",
	}
	for _, c := range cases {
		quoted := ShellQuote(c)
		require.Equal(t, c, bashUnquoteSingle(t, quoted), "input %q", c)
	}
}

func TestShellQuoteEmpty(t *testing.T) {
	require.Equal(t, "''", ShellQuote(""))
}
