package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	a, err := r.Get("claude-code")
	require.NoError(t, err)
	require.Equal(t, StyleLineJSON, a.Style)
	require.True(t, a.HasSessionList())

	_, err = r.Get("nonexistent")
	require.Error(t, err)
}

func TestBuildCommandEmitsOptionalFlagsOnlyWhenSet(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	a, err := r.Get("claude-code")
	require.NoError(t, err)

	cmd := a.BuildCommand(BuildRequest{Prompt: "hi"})
	require.NotContains(t, cmd.Line, "--resume")
	require.NotContains(t, cmd.Line, "--model")

	cmd = a.BuildCommand(BuildRequest{Prompt: "hi", SessionID: "t-1", Model: "opus"})
	require.Contains(t, cmd.Line, "--resume")
	require.Contains(t, cmd.Line, "--model")
	require.Equal(t, "t-1", cmd.Env["SESSION_ID"])
	require.Equal(t, "opus", cmd.Env["MODEL"])
}

func TestPlainTextAdapterNeverReportsSession(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	a, err := r.Get("plain-text")
	require.NoError(t, err)
	out, err := a.ParseOutput([]byte("some reply"))
	require.NoError(t, err)
	require.Empty(t, out.SessionID)
}
