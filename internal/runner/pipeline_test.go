package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/adapter"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/threads"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/tokens"
)

// fakeResolver is a minimal AgentResolver backing a single echo-based
// adapter, so a turn's whole round trip runs through a real `bash -lc`
// subprocess the way TestExecute* in internal/adapter does.
type fakeResolver struct {
	ad        *adapter.Adapter
	workspace string
}

func (f *fakeResolver) Adapter(agentID string) (*adapter.Adapter, error) { return f.ad, nil }
func (f *fakeResolver) Workspace(agentID string) string                  { return f.workspace }
func (f *fakeResolver) Model(agentID string) string                      { return "" }
func (f *fakeResolver) Timeout(agentID string) time.Duration             { return 5 * time.Second }
func (f *fakeResolver) MaxBuffer(agentID string) int                     { return 0 }

// echoAdapter builds a command that prints "<sessionID>|<prompt>" so
// ParseOutput can round-trip a session id without a real CLI agent. An
// empty incoming session id is replaced with a freshly minted one, mimicking
// an agent that assigns a session on first use.
func echoAdapter() *adapter.Adapter {
	return &adapter.Adapter{
		Name: "echo-test",
		BuildCommand: func(req adapter.BuildRequest) adapter.Command {
			sid := req.SessionID
			if sid == "" {
				sid = "sess-" + strings.Join(strings.Fields(req.Prompt), "-") // deterministic, no time/rand
			}
			return adapter.Command{
				Line: `echo -n "$DISPATCH_SESSION_ID|$DISPATCH_PROMPT"`,
				Env:  map[string]string{"SESSION_ID": sid, "PROMPT": req.Prompt},
			}
		},
		ParseOutput: func(raw []byte) (adapter.ParsedOutput, error) {
			parts := strings.SplitN(string(raw), "|", 2)
			if len(parts) != 2 {
				return adapter.ParsedOutput{}, fmt.Errorf("malformed fixture output: %q", raw)
			}
			return adapter.ParsedOutput{Text: parts[1], SessionID: parts[0]}, nil
		},
	}
}

// staleAdapter always reports a stale-session phrase in plain text, so the
// runner's stale-session recovery path is exercised end to end.
func staleAdapter() *adapter.Adapter {
	return &adapter.Adapter{
		Name: "stale-test",
		BuildCommand: func(req adapter.BuildRequest) adapter.Command {
			if req.SessionID == "" {
				return adapter.Command{Line: `echo -n "fresh-sess|recovered"`}
			}
			return adapter.Command{Line: `echo -n "session not found"`}
		},
		ParseOutput: func(raw []byte) (adapter.ParsedOutput, error) {
			s := string(raw)
			if strings.Contains(s, "|") {
				parts := strings.SplitN(s, "|", 2)
				return adapter.ParsedOutput{Text: parts[1], SessionID: parts[0]}, nil
			}
			return adapter.ParsedOutput{}, nil
		},
	}
}

func newTestRunner(t *testing.T, ad *adapter.Adapter) *Runner {
	t.Helper()
	th, err := threads.NewStore(t.TempDir(), "test-agent")
	require.NoError(t, err)
	tk := tokens.New(t.TempDir(), 0, nil)
	r := New(&fakeResolver{ad: ad}, th, tk, nil, nil)
	r.DefaultAgentID = "test-agent"
	return r
}

// S1: a second turn on the same chat/topic reuses the session id the first
// turn established.
func TestChatThreadContinuityReusesSessionID(t *testing.T) {
	r := newTestRunner(t, echoAdapter())

	first, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", TopicID: "", Prompt: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)
	assert.False(t, first.Rotated)

	second, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", TopicID: "", Prompt: "again"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.False(t, second.Rotated)
	assert.Equal(t, first.ThreadKey, second.ThreadKey)
}

// S2: once the turn count reaches RotationTurns, the thread rotates and a
// fresh session is established.
func TestChatRotatesByTurnLimit(t *testing.T) {
	r := newTestRunner(t, echoAdapter())
	r.RotationTurns = 2

	first, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", Prompt: "one"})
	require.NoError(t, err)
	assert.False(t, first.Rotated)

	second, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", Prompt: "two"})
	require.NoError(t, err)
	assert.True(t, second.Rotated)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

// S3: once accumulated context size crosses MaxContextChars, the thread
// rotates even with few turns.
func TestChatRotatesByContextSize(t *testing.T) {
	r := newTestRunner(t, echoAdapter())
	r.RotationTurns = 0
	r.MaxContextChars = 10

	first, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", Prompt: "a reasonably long opening message"})
	require.NoError(t, err)
	assert.False(t, first.Rotated)

	second, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", Prompt: "short"})
	require.NoError(t, err)
	assert.True(t, second.Rotated)
}

// Post-restart safety: a session id that survives on disk but whose context
// size was never recorded in this process run forces an immediate rotation,
// rather than letting the fresh turnCount=0/accumulated=0 in-memory state
// mask a context size that may already be large.
func TestChatRotatesOnRestartWithUnknownContextSize(t *testing.T) {
	dir := t.TempDir()

	th, err := threads.NewStore(dir, "test-agent")
	require.NoError(t, err)
	threadKey := threads.Build("c1", "", "test-agent")
	th.Set(threadKey, "sess-from-before-restart")
	require.NoError(t, th.Flush())

	restarted, err := threads.NewStore(dir, "test-agent")
	require.NoError(t, err)
	require.False(t, restarted.ContextSizeKnown(threadKey))

	tk := tokens.New(t.TempDir(), 0, nil)
	r := New(&fakeResolver{ad: echoAdapter()}, restarted, tk, nil, nil)
	r.DefaultAgentID = "test-agent"
	r.MaxContextChars = 10000

	result, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, result.Rotated)
	assert.NotEqual(t, "sess-from-before-restart", result.SessionID)
}

// S4: a stale-session phrase in plain-text output triggers one recovery
// attempt with a fresh session, rather than surfacing an error.
func TestChatRecoversFromStaleSession(t *testing.T) {
	r := newTestRunner(t, staleAdapter())

	first, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "fresh-sess", first.SessionID)

	// Force the thread to carry a session id on record so the next turn's
	// command line hits the adapter's "stale" branch.
	r.Threads.Set(first.ThreadKey, "stale-sess")

	second, err := r.Chat(context.Background(), ChatRequest{ChatID: "c1", Prompt: "again"})
	require.NoError(t, err)
	assert.True(t, second.Rotated)
	assert.Equal(t, "fresh-sess", second.SessionID)
	assert.Equal(t, "recovered", second.Text)
}

func TestResolveAgentPrecedence(t *testing.T) {
	r := newTestRunner(t, echoAdapter())
	r.DefaultAgentID = "default-agent"

	assert.Equal(t, "default-agent", r.resolveAgent(ChatRequest{ChatID: "c1"}))
	assert.Equal(t, "override-agent", r.resolveAgent(ChatRequest{ChatID: "c1", AgentOverride: "override-agent"}))
}

func TestOneShotReturnsParsedText(t *testing.T) {
	r := newTestRunner(t, echoAdapter())

	text, err := r.OneShot(context.Background(), OneShotRequest{AgentID: "test-agent", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", text)
}
