package adapter

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSyntheticStream(sessionID, text string) []byte {
	var buf bytes.Buffer
	events := []lineJSONEvent{
		{Event: "session_started", SessionID: sessionID},
		{Event: "message", Channel: "intermediate", Text: "thinking..."},
		{Event: "message", Channel: "final", Text: text},
	}
	for _, ev := range events {
		data, _ := json.Marshal(ev)
		buf.Write(data)
	}
	return buf.Bytes()
}

func TestParseLineDelimitedJSONRoundTrip(t *testing.T) {
	raw := buildSyntheticStream("t-1", "Primera respuesta")
	out, err := ParseLineDelimitedJSON(raw)
	require.NoError(t, err)
	require.Equal(t, "t-1", out.SessionID)
	require.Equal(t, "Primera respuesta", out.Text)
	require.True(t, out.SawJSON)
}

func TestParseLineDelimitedJSONDeterministic(t *testing.T) {
	raw := buildSyntheticStream("t-2", "hello")
	a, err := ParseLineDelimitedJSON(raw)
	require.NoError(t, err)
	b, err := ParseLineDelimitedJSON(raw)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestParseLineDelimitedJSONFallsBackToLastWithoutFinal(t *testing.T) {
	var buf bytes.Buffer
	events := []lineJSONEvent{
		{Event: "message", Text: "one"},
		{Event: "message", Text: "two"},
	}
	for _, ev := range events {
		data, _ := json.Marshal(ev)
		buf.Write(data)
	}
	out, err := ParseLineDelimitedJSON(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "two", out.Text)
}

func TestParseEnvelopeWholeOutput(t *testing.T) {
	raw := []byte(`{"session_id":"11111111-1111-1111-1111-111111111111","text":"hi there"}`)
	out, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "hi there", out.Text)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", out.SessionID)
	require.True(t, out.SawJSON)
}

func TestParseEnvelopeIgnoresNonUUIDSessionID(t *testing.T) {
	raw := []byte(`{"session_id":"not-a-uuid","text":"hi"}`)
	out, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Empty(t, out.SessionID)
}

func TestParseEnvelopeScansFromBottomOnNoise(t *testing.T) {
	raw := []byte("progress: 10%\nprogress: 90%\n" + `{"text":"final answer"}`)
	out, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "final answer", out.Text)
	require.True(t, out.SawJSON)
}

func TestParseEnvelopeStripsControlSequences(t *testing.T) {
	raw := []byte("\x1b[2K\x1b[1G" + `{"text":"done"}` + "\x1b[0m")
	out, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "done", out.Text)
}

func TestParseEnvelopeOnlyControlBytesYieldsNoJSON(t *testing.T) {
	raw := []byte("\x1b[2K\x1b[1G\x1b[0m")
	out, err := ParseEnvelope(raw)
	require.NoError(t, err)
	require.False(t, out.SawJSON)
	require.Empty(t, out.Text)
}

func TestParsePlainText(t *testing.T) {
	out, err := ParsePlainText([]byte("  hello world  \n"))
	require.NoError(t, err)
	require.Equal(t, "hello world", out.Text)
	require.False(t, out.SawJSON)
	require.Empty(t, out.SessionID)
}

func TestIsStaleSession(t *testing.T) {
	require.True(t, IsStaleSession("Error: No conversation found with session id t-1"))
	require.True(t, IsStaleSession("SESSION NOT FOUND"))
	require.False(t, IsStaleSession("Hello, how can I help?"))
}
