package threads

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushPersistsOnlySessionIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "default")
	require.NoError(t, err)

	key := Build("c1", "", "default")
	s.IncrementTurn(key)
	s.AddContextChars(key, 500)
	s.Set(key, "sess-1")
	require.NoError(t, s.Flush())

	data, err := os.ReadFile(filepath.Join(dir, "threads.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "sess-1")
	assert.NotContains(t, string(data), "turnCount")
	assert.NotContains(t, string(data), "accumulatedChars")
}

func TestTurnAndContextCountersDoNotSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "default")
	require.NoError(t, err)

	key := Build("c1", "", "default")
	s.IncrementTurn(key)
	s.IncrementTurn(key)
	s.AddContextChars(key, 5000)
	s.Set(key, "sess-1")
	require.NoError(t, s.Flush())

	reloaded, err := NewStore(dir, "default")
	require.NoError(t, err)

	turns, accumulated, sessionID := reloaded.Snapshot(key)
	assert.Equal(t, "sess-1", sessionID)
	assert.Zero(t, turns)
	assert.Zero(t, accumulated)
	assert.False(t, reloaded.ContextSizeKnown(key))
}

func TestContextSizeKnownBecomesTrueAfterFirstUpdate(t *testing.T) {
	s, err := NewStore(t.TempDir(), "default")
	require.NoError(t, err)

	key := Build("c1", "", "default")
	assert.False(t, s.ContextSizeKnown(key))
	s.AddContextChars(key, 10)
	assert.True(t, s.ContextSizeKnown(key))
}

func TestRotateClearsSessionAndMarksSizeKnown(t *testing.T) {
	s, err := NewStore(t.TempDir(), "default")
	require.NoError(t, err)

	key := Build("c1", "", "default")
	s.Set(key, "sess-1")
	s.IncrementTurn(key)
	s.AddContextChars(key, 1000)

	s.Rotate(key)

	turns, accumulated, sessionID := s.Snapshot(key)
	assert.Empty(t, sessionID)
	assert.Equal(t, 1, turns)
	assert.Zero(t, accumulated)
	assert.True(t, s.ContextSizeKnown(key))
}

func TestLegacyTwoFieldKeyMigratesOnLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "threads.json"), []byte(`{"c1:root":"sess-legacy"}`), 0o600))

	s, err := NewStore(dir, "default")
	require.NoError(t, err)

	key := Build("c1", "", "default")
	_, _, sessionID := s.Snapshot(key)
	assert.Equal(t, "sess-legacy", sessionID)
}
