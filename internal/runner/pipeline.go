package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/adapter"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/memory"
)

// Chat runs the full pipeline described in spec §4.F.
func (r *Runner) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	// Step 1: resolve the effective agent.
	agentID := r.resolveAgent(req)
	ad, err := r.Agents.Adapter(agentID)
	if err != nil {
		return ChatResult{}, err
	}

	// Soft budget gate (spec §7 BudgetExhaustedError): an agent past its
	// effective daily quota is refused before any subprocess runs.
	if r.Tokens != nil && r.Tokens.IsAgentBudgetExhausted(agentID) {
		return ChatResult{}, &BudgetExhaustedError{AgentID: agentID}
	}

	// Step 2: resolve the session.
	res := r.Threads.Resolve(req.ChatID, req.TopicID, agentID)
	threadKey := res.ThreadKey
	if res.Migrated {
		go r.Threads.FlushOne(threadKey)
	}

	// Step 3: increment the turn counter.
	turnCount := r.Threads.IncrementTurn(threadKey)
	_, accumulated, sessionID := r.Threads.Snapshot(threadKey)

	// Step 4: decide on rotation.
	rotated := false
	isNewThread := sessionID == ""
	if sessionID != "" && r.shouldRotate(turnCount, accumulated, r.Threads.ContextSizeKnown(threadKey)) {
		r.Threads.Rotate(threadKey)
		slog.Info("runner: rotating thread", "thread", threadKey, "turn", turnCount, "context", accumulated)
		rotated = true
		sessionID = ""
		turnCount = 1
		accumulated = 0
		go r.Threads.FlushOne(threadKey)
	}

	// Step 5: decide whether to include preambles, and whether to refresh
	// file/style instructions this turn.
	includeFullBootstrap := isNewThread && !rotated
	includeCompactBootstrap := rotated
	includeInstructions := isNewThread || rotated || r.instructionsDue(threadKey, turnCount)

	result, err := r.runTurn(ctx, turnContext{
		agentID:       agentID,
		adapter:       ad,
		threadKey:     threadKey,
		chatID:        req.ChatID,
		topicID:       req.TopicID,
		sessionID:     sessionID,
		prompt:        req.Prompt,
		attachments:   req.Attachments,
		model:         req.Model,
		thinking:      req.Thinking,
		source:        req.Source,
		fullBootstrap: includeFullBootstrap,
		compact:       includeCompactBootstrap,
		instructions:  includeInstructions,
	})
	if err != nil {
		// Step 12: stale-session detection and one-shot recovery.
		if staleErr := (*StaleSessionError)(nil); errors.As(err, &staleErr) && sessionID != "" {
			slog.Info("runner: stale session detected, recovering", "thread", threadKey)
			r.Threads.Rotate(threadKey)
			go r.Threads.FlushOne(threadKey)
			retryResult, retryErr := r.runTurn(ctx, turnContext{
				agentID:       agentID,
				adapter:       ad,
				threadKey:     threadKey,
				chatID:        req.ChatID,
				topicID:       req.TopicID,
				sessionID:     "",
				prompt:        req.Prompt,
				attachments:   req.Attachments,
				model:         req.Model,
				thinking:      req.Thinking,
				source:        req.Source,
				fullBootstrap: false,
				compact:       true,
				instructions:  true,
			})
			if retryErr != nil {
				return ChatResult{}, fmt.Errorf("runner: recovery after stale session failed: %w", retryErr)
			}
			result = retryResult
			rotated = true
		} else {
			return ChatResult{}, err
		}
	}

	if result.sessionID != "" {
		r.Threads.Set(threadKey, result.sessionID)
		go r.Threads.FlushOne(threadKey)
	}

	return ChatResult{
		Text:      result.text,
		ThreadKey: threadKey,
		SessionID: result.sessionID,
		Rotated:   rotated,
		AgentID:   agentID,
	}, nil
}

// shouldRotate implements spec §4.F's rotation decision, evaluated only
// when a session id is already present (callers only invoke this branch
// when sessionID != ""). sizeKnown is false exactly when this process has
// never recorded a context-size update for the thread yet, e.g. right
// after a restart that restored the session id from threads.json but
// started turns/accumulated at zero in memory: that combination forces a
// fresh thread rather than silently trusting an unknown context size.
func (r *Runner) shouldRotate(turnCount, accumulated int, sizeKnown bool) bool {
	if r.RotationTurns > 0 && turnCount >= r.RotationTurns {
		return true
	}
	if r.MaxContextChars > 0 && accumulated >= r.MaxContextChars {
		return true
	}
	if r.MaxContextChars > 0 && !sizeKnown {
		return true
	}
	return false
}

// instructionsDue reports whether file/style instructions are due for a
// refresh on a continuing thread, per the FileInstructionsEvery period.
func (r *Runner) instructionsDue(threadKey string, turnCount int) bool {
	if r.FileInstructionsEvery <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.lastInstructionsTurn[threadKey]
	if turnCount-last >= r.FileInstructionsEvery {
		r.lastInstructionsTurn[threadKey] = turnCount
		return true
	}
	return false
}

// turnContext carries everything one execution of runTurn needs; a stale
// session recovery calls runTurn a second time with a mutated copy (no
// session id, compact bootstrap).
type turnContext struct {
	agentID       string
	adapter       *adapter.Adapter
	threadKey     string
	chatID        string
	topicID       string
	sessionID     string
	prompt        string
	attachments   []Attachment
	model         string
	thinking      string
	source        string
	fullBootstrap bool
	compact       bool
	instructions  bool
}

type turnResult struct {
	text      string
	sessionID string
}

// StaleSessionError signals output matching a stale-session phrase with no
// structured JSON envelope (spec §7).
type StaleSessionError struct{ Output string }

func (e *StaleSessionError) Error() string { return "runner: stale session detected" }

// BudgetExhaustedError is spec §7's soft ingress gate: agentID has reached
// or exceeded its effective daily token budget, so the turn is refused
// before any subprocess runs. Callers should answer the originating chat
// with a budget message rather than treat this as a failure to log loudly.
type BudgetExhaustedError struct{ AgentID string }

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("runner: daily budget exhausted for agent %q", e.AgentID)
}

// runTurn executes steps 6 through 15 of the pipeline for one attempt.
func (r *Runner) runTurn(ctx context.Context, tc turnContext) (turnResult, error) {
	// Step 6: retrieval gate.
	var retrieval string
	if r.Memory != nil && len(strings.TrimSpace(tc.prompt)) >= r.RetrievalMinChars {
		retrieval = r.Memory.Retrieve(tc.chatID, tc.topicID, tc.agentID, tc.prompt)
	}

	// Step 5 (bootstrap assembly) + Step 7 (final prompt assembly).
	var bootstrap string
	if r.Memory != nil && (tc.fullBootstrap || tc.compact) {
		bootstrap = r.Memory.Bootstrap(memory.BootstrapOptions{ThreadKey: tc.threadKey, Compact: tc.compact})
	}

	finalPrompt := assemblePrompt(bootstrap, tc.prompt, retrieval, tc.instructions, r.FileInstructions, tc.attachments)

	// Step 8: build the subprocess command.
	model := tc.model
	if model == "" {
		model = r.Agents.Model(tc.agentID)
	}
	cmd := tc.adapter.BuildCommand(adapter.BuildRequest{
		Prompt:    finalPrompt,
		SessionID: tc.sessionID,
		Model:     model,
		Thinking:  tc.thinking,
	})

	// Step 9: estimate input tokens, including running accumulated context.
	_, accumulated, _ := r.Threads.Snapshot(tc.threadKey)
	estimatedInput := estimateTokens(finalPrompt) + int64(accumulated)/4
	r.trackInput(tc.source, tc.agentID, tc.chatID, estimatedInput)

	// Step 10: execute the subprocess.
	result, execErr := r.exec(ctx, tc.adapter, tc.agentID, cmd)
	if execErr != nil {
		return turnResult{}, execErr
	}

	// Step 11: parse.
	parsed, parseErr := tc.adapter.ParseOutput(result.Stdout)
	if parseErr != nil {
		return turnResult{}, &AgentParseError{Err: parseErr}
	}

	// Step 12: stale-session detection (surfaced as a typed error so the
	// caller in Chat can perform the single recovery attempt).
	if !parsed.SawJSON && tc.sessionID != "" && adapter.IsStaleSession(string(result.Stdout)) {
		return turnResult{}, &StaleSessionError{Output: string(result.Stdout)}
	}

	if parsed.Text == "" && !parsed.SawJSON {
		return turnResult{}, &AgentParseError{Err: fmt.Errorf("no text extracted from output")}
	}

	sessionID := parsed.SessionID

	// Step 13: session-id fallback via session-list command.
	if sessionID == "" && tc.adapter.HasSessionList() {
		listCmd := tc.adapter.ListSessionsCommand()
		listResult, listErr := r.exec(ctx, tc.adapter, tc.agentID, listCmd)
		if listErr != nil {
			slog.Warn("runner: session-list fallback failed", "agent", tc.agentID, "error", listErr)
		} else if id, ok := tc.adapter.ParseSessionList(listResult.Stdout); ok {
			sessionID = id
		}
	}

	text := parsed.Text
	if text == "" {
		text = strings.TrimSpace(string(result.Stdout))
	}

	// Step 15: phase-2 token accounting and context-size update.
	r.trackOutput(tc.source, tc.agentID, tc.chatID, estimatedInput, parsed)
	r.Threads.AddContextChars(tc.threadKey, len([]rune(finalPrompt))+len([]rune(text)))

	return turnResult{text: text, sessionID: sessionID}, nil
}

// assemblePrompt implements spec §4.F step 7:
// [bootstrap?] \n\n [user prompt] \n\n [retrieval?] plus file/style
// instructions and attachment references.
func assemblePrompt(bootstrap, prompt, retrieval string, includeInstructions bool, instructions string, attachments []Attachment) string {
	var parts []string
	if bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	parts = append(parts, prompt)
	if retrieval != "" {
		parts = append(parts, retrieval)
	}
	if includeInstructions && instructions != "" {
		parts = append(parts, instructions)
	}
	for _, a := range attachments {
		parts = append(parts, fmt.Sprintf("[%s:%s]", a.Kind, a.Path))
	}
	return strings.Join(parts, "\n\n")
}
