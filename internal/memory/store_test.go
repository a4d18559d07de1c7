package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndTailOrdering(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	base := time.Now()
	s.AppendEvent(Event{ThreadKey: "1:root:agentA", Role: RoleUser, Text: "Hola equipo", Timestamp: base})
	s.AppendEvent(Event{ThreadKey: "1:root:agentA", Role: RoleAssistant, Text: "Primera respuesta", Timestamp: base.Add(time.Second)})
	s.AppendEvent(Event{ThreadKey: "1:root:agentA", Role: RoleUser, Text: "Seguimos?", Timestamp: base.Add(2 * time.Second)})
	s.AppendEvent(Event{ThreadKey: "1:root:agentA", Role: RoleAssistant, Text: "Segunda respuesta", Timestamp: base.Add(3 * time.Second)})

	tail := s.Tail("1:root:agentA", 10)
	require.Len(t, tail, 4)
	assert.Equal(t, "Hola equipo", tail[0].Text)
	assert.Equal(t, "Segunda respuesta", tail[3].Text)
}

func TestCuratePreservesManualSection(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	s.AppendEvent(Event{ThreadKey: "1:root:a", Role: RoleUser, Text: "remember the deploy window", Timestamp: time.Now()})

	manual := "# My notes\n\nDo not delete this.\n"
	require.NoError(t, writeFileForTest(s.digestMD, manual))

	_, err = s.Curate(CurateOptions{MaxBytes: 1000})
	require.NoError(t, err)

	digest := s.ReadDigest()
	assert.Contains(t, digest, "Do not delete this.")
	assert.Contains(t, digest, "remember the deploy window")
	assert.Contains(t, digest, DigestMarkerOpen)
	assert.Contains(t, digest, DigestMarkerClose)
}

func TestMissingMemoryStartsEmpty(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, s.Tail("nonexistent:root:a", 10))
	assert.Equal(t, "", s.ReadDigest())
}

func writeFileForTest(path, content string) error {
	return atomicWriteFile(path, []byte(content), 0o644)
}
