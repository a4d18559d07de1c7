// Package runner implements the agent runner (Component F): the central
// pipeline that resolves a thread's session, decides on rotation, assembles
// a prompt from bootstrap/retrieval/attachments, executes the agent
// subprocess, parses its output, recovers from a stale session, and
// accounts tokens in two phases.
//
// Grounded on vanducng-goclaw/internal/agent/loop.go's overall run-method
// shape (resolve session → build messages → call provider → persist →
// account) with the LLM provider call replaced by internal/adapter's
// subprocess build/exec/parse, and on spec §4.F's explicit 16-step
// pipeline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/adapter"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/memory"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/overrides"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/threads"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/tokens"
)

// AgentResolver looks up an agent's adapter and runtime settings by id.
type AgentResolver interface {
	Adapter(agentID string) (*adapter.Adapter, error)
	Workspace(agentID string) string
	Model(agentID string) string
	Timeout(agentID string) time.Duration
	MaxBuffer(agentID string) int
}

// Attachment is an inbound image/document/audio reference to thread into
// the assembled prompt, per spec §4.F step 7.
type Attachment struct {
	Kind string // bus.KindImage, bus.KindDocument, ...
	Path string
}

// ChatRequest is one chat-pipeline invocation.
type ChatRequest struct {
	ChatID        string
	TopicID       string
	AgentOverride string // explicit override, highest precedence
	Prompt        string
	Attachments   []Attachment
	Model         string // empty = agent's configured default
	Thinking      string
	Source        string // token-tracking source label, e.g. "telegram", "cron"
}

// ChatResult is the outcome of one chat-pipeline run.
type ChatResult struct {
	Text      string
	ThreadKey string
	SessionID string
	Rotated   bool
	AgentID   string
}

// OneShotRequest is an ephemeral invocation: no session continuity, no
// bootstrap, no memory capture.
type OneShotRequest struct {
	AgentID  string
	Prompt   string
	Model    string
	Thinking string
	Source   string
}

// Runner is the central pipeline (Component F).
type Runner struct {
	Agents    AgentResolver
	Threads   *threads.Store
	Tokens    *tokens.Tracker
	Memory    *memory.Service
	Overrides *overrides.Store

	DefaultAgentID        string
	RotationTurns         int
	MaxContextChars       int
	FileInstructionsEvery int
	RetrievalMinChars     int // 15 per spec §4.F step 6

	FileInstructions string // static style/format guidance appended on new/rotated threads

	mu                   sync.Mutex
	lastInstructionsTurn map[string]int
}

// New constructs a Runner. Fields may also be set directly; New just
// establishes the ones with sane zero-value fallbacks.
func New(agents AgentResolver, th *threads.Store, tk *tokens.Tracker, mem *memory.Service, ov *overrides.Store) *Runner {
	return &Runner{
		Agents:                agents,
		Threads:               th,
		Tokens:                tk,
		Memory:                mem,
		Overrides:             ov,
		RotationTurns:         40,
		MaxContextChars:       160000,
		FileInstructionsEvery: 5,
		RetrievalMinChars:     15,
		lastInstructionsTurn:  map[string]int{},
	}
}

// estimateTokens approximates token count from character count, per spec
// §4.F step 9 ("character-count / 4").
func estimateTokens(s string) int64 {
	return int64(len([]rune(s))) / 4
}

// resolveAgent implements spec §4.F step 1: explicit override, then
// per-topic override, then global default.
func (r *Runner) resolveAgent(req ChatRequest) string {
	if req.AgentOverride != "" {
		return req.AgentOverride
	}
	if r.Overrides != nil {
		if id, ok := r.Overrides.Get(threads.TopicKey(req.ChatID, req.TopicID)); ok && id != "" {
			return id
		}
	}
	return r.DefaultAgentID
}

// OneShot runs an ephemeral agent invocation with no session continuity,
// bootstrap, or memory capture.
func (r *Runner) OneShot(ctx context.Context, req OneShotRequest) (string, error) {
	ad, err := r.Agents.Adapter(req.AgentID)
	if err != nil {
		return "", err
	}
	model := req.Model
	if model == "" {
		model = r.Agents.Model(req.AgentID)
	}
	cmd := ad.BuildCommand(adapter.BuildRequest{Prompt: req.Prompt, Model: model, Thinking: req.Thinking})

	estimatedInput := estimateTokens(req.Prompt)
	r.trackInput(req.Source, req.AgentID, "", estimatedInput)

	result, execErr := r.exec(ctx, ad, req.AgentID, cmd)
	if execErr != nil {
		return "", execErr
	}

	parsed, err := ad.ParseOutput(result.Stdout)
	if err != nil || (parsed.Text == "" && !parsed.SawJSON) {
		if err == nil {
			err = errors.New("adapter: no text extracted from output")
		}
		return "", &AgentParseError{Err: err}
	}

	r.trackOutput(req.Source, req.AgentID, "", estimatedInput, parsed)

	if parsed.Text == "" {
		return strings.TrimSpace(string(result.Stdout)), nil
	}
	return parsed.Text, nil
}

// AgentParseError is returned when no text could be extracted from an
// agent's output (spec §7 AgentParseError).
type AgentParseError struct{ Err error }

func (e *AgentParseError) Error() string { return fmt.Sprintf("agent parse error: %v", e.Err) }
func (e *AgentParseError) Unwrap() error { return e.Err }

func (r *Runner) trackInput(source, agentID, chatID string, input int64) {
	if r.Tokens == nil {
		return
	}
	r.Tokens.Track(tokens.Event{ChatID: chatID, InputTokens: input, Source: source, AgentID: agentID})
}

func (r *Runner) trackOutput(source, agentID, chatID string, estimatedInput int64, parsed adapter.ParsedOutput) {
	if r.Tokens == nil {
		return
	}
	if parsed.Usage != nil {
		r.Tokens.Track(tokens.Event{
			ChatID:       chatID,
			InputTokens:  parsed.Usage.InputTokens - estimatedInput,
			OutputTokens: parsed.Usage.OutputTokens,
			Source:       source,
			AgentID:      agentID,
			CostUSD:      parsed.CostUSD,
		})
		return
	}
	r.Tokens.Track(tokens.Event{
		ChatID:       chatID,
		OutputTokens: estimateTokens(parsed.Text),
		Source:       source,
		AgentID:      agentID,
	})
}

func (r *Runner) exec(ctx context.Context, ad *adapter.Adapter, agentID string, cmd adapter.Command) (adapter.ExecResult, error) {
	opts := adapter.ExecOptions{
		Timeout:     r.Agents.Timeout(agentID),
		MaxBuffer:   r.Agents.MaxBuffer(agentID),
		Env:         cmd.Env,
		Dir:         r.Agents.Workspace(agentID),
		NeedsPty:    ad.NeedsPty,
		MergeStderr: ad.MergeStderr,
	}
	result, err := adapter.Execute(ctx, cmd.Line, opts)
	if err != nil {
		var execErr *adapter.ExecError
		if errors.As(err, &execErr) && execErr.Kind == adapter.ExecKindNonZeroExit && len(result.Stdout) > 0 {
			slog.Warn("runner: agent exited non-zero, parsing partial stdout", "agent", agentID, "error", err)
			return result, nil
		}
		return result, err
	}
	return result, nil
}
