package adapter

import (
	"encoding/json"
	"fmt"
)

// RegisterBuiltins registers the adapters shipped with the dispatcher.
// Operators add more via config (an AgentSpec names one of these by
// Adapter); the registry itself has no hardcoded notion of "the" agent.
func RegisterBuiltins(r *Registry) {
	r.Register(claudeCodeAdapter())
	r.Register(codexCLIAdapter())
	r.Register(plainTextAdapter())
}

// claudeCodeAdapter models a CLI agent that streams newline-delimited JSON
// events on stdout and resumes sessions via a --resume flag, grounded on
// leapmux's internal/worker/agent package (the only pack code that spawns
// a CLI coding agent and speaks NDJSON over stdout).
func claudeCodeAdapter() *Adapter {
	return &Adapter{
		Name:        "claude-code",
		Style:       StyleLineJSON,
		NeedsPty:    false,
		MergeStderr: false,
		BuildCommand: func(req BuildRequest) Command {
			args := fmt.Sprintf("claude --output-format stream-json --input-format stream-json --verbose --dangerously-skip-permissions -p \"$%sPROMPT\"", EnvPrefix)
			env := map[string]string{"PROMPT": req.Prompt}
			if req.SessionID != "" {
				args += fmt.Sprintf(" --resume \"$%sSESSION_ID\"", EnvPrefix)
				env["SESSION_ID"] = req.SessionID
			}
			if req.Model != "" {
				args += fmt.Sprintf(" --model \"$%sMODEL\"", EnvPrefix)
				env["MODEL"] = req.Model
			}
			if req.Thinking != "" {
				args += fmt.Sprintf(" --effort \"$%sTHINKING\"", EnvPrefix)
				env["THINKING"] = req.Thinking
			}
			return Command{Line: args, Env: env}
		},
		ParseOutput: ParseLineDelimitedJSON,
		ListSessionsCommand: func() Command {
			return Command{Line: "claude sessions list --format json"}
		},
		ParseSessionList: parseLatestSessionFromList,
	}
}

// codexCLIAdapter models a CLI agent that prints one JSON envelope at the
// end of its run, possibly preceded by terminal progress noise.
func codexCLIAdapter() *Adapter {
	return &Adapter{
		Name:        "codex-cli",
		Style:       StyleEnvelope,
		NeedsPty:    true,
		MergeStderr: true,
		BuildCommand: func(req BuildRequest) Command {
			args := fmt.Sprintf("codex exec --json \"$%sPROMPT\"", EnvPrefix)
			env := map[string]string{"PROMPT": req.Prompt}
			if req.SessionID != "" {
				args += fmt.Sprintf(" --session \"$%sSESSION_ID\"", EnvPrefix)
				env["SESSION_ID"] = req.SessionID
			}
			if req.Model != "" {
				args += fmt.Sprintf(" --model \"$%sMODEL\"", EnvPrefix)
				env["MODEL"] = req.Model
			}
			return Command{Line: args, Env: env}
		},
		ParseOutput: ParseEnvelope,
	}
}

// plainTextAdapter models an agent with no structured protocol at all:
// whatever it prints is the reply, and it never reports a session id, so
// every turn runs as a fresh conversation.
func plainTextAdapter() *Adapter {
	return &Adapter{
		Name:  "plain-text",
		Style: StylePlain,
		BuildCommand: func(req BuildRequest) Command {
			line := fmt.Sprintf("plaintext-agent \"$%sPROMPT\"", EnvPrefix)
			return Command{Line: line, Env: map[string]string{"PROMPT": req.Prompt}}
		},
		ParseOutput: ParsePlainText,
	}
}

type sessionListEntry struct {
	SessionID string `json:"session_id"`
	StartedAt string `json:"started_at"`
}

// parseLatestSessionFromList extracts the most recently started session id
// from a `claude sessions list --format json` style listing.
func parseLatestSessionFromList(raw []byte) (string, bool) {
	entries, ok := decodeSessionList(raw)
	if !ok || len(entries) == 0 {
		return "", false
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.StartedAt > latest.StartedAt {
			latest = e
		}
	}
	return latest.SessionID, latest.SessionID != ""
}

func decodeSessionList(raw []byte) ([]sessionListEntry, bool) {
	var entries []sessionListEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}
