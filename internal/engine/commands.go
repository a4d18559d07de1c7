package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/bus"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/threads"
)

// runCommand dispatches one slash-command line (spec §6's CLI surface) and
// returns the reply text to send back, or "" to send nothing.
func (e *Engine) runCommand(ctx context.Context, msg bus.InboundMessage, line string) string {
	fields := strings.Fields(line)
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "/start":
		return "Ready. Send a message to start chatting, or /status for the current thread."
	case "/agent":
		return e.cmdAgent(msg, args)
	case "/model":
		return e.cmdModel(msg, args)
	case "/thinking":
		return e.cmdThinking(msg, args)
	case "/reset":
		return e.cmdReset(msg)
	case "/memory":
		return e.cmdMemory(msg)
	case "/usage":
		return e.cmdUsage(msg)
	case "/status":
		return e.cmdStatus(msg)
	case "/cron":
		return e.cmdCron(ctx, msg, args)
	default:
		return fmt.Sprintf("Unknown command %q.", name)
	}
}

func (e *Engine) topicKey(msg bus.InboundMessage) string {
	return threads.TopicKey(msg.ChatID, msg.TopicID)
}

func (e *Engine) cmdAgent(msg bus.InboundMessage, args []string) string {
	topicKey := e.topicKey(msg)
	if len(args) == 0 {
		id, ok := e.Overrides.Get(topicKey)
		if !ok || id == "" {
			return fmt.Sprintf("Using default agent %q. Configured agents: %s", e.config().ResolveDefaultAgentID(), strings.Join(e.Adapters.Names(), ", "))
		}
		return fmt.Sprintf("Using agent %q for this topic.", id)
	}
	target := args[0]
	if target == "default" {
		if err := e.Overrides.Clear(topicKey); err != nil {
			return fmt.Sprintf("Failed to clear agent override: %v", err)
		}
		return "Reverted to the default agent for this topic."
	}
	if _, ok := e.config().ResolveAgent(target); !ok {
		return fmt.Sprintf("Unknown agent %q.", target)
	}
	if err := e.Overrides.Set(topicKey, target); err != nil {
		return fmt.Sprintf("Failed to set agent override: %v", err)
	}
	return fmt.Sprintf("This topic now uses agent %q.", target)
}

func (e *Engine) cmdModel(msg bus.InboundMessage, args []string) string {
	topicKey := e.topicKey(msg)
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	s := e.settings[topicKey]
	if len(args) == 0 {
		if s.model == "" {
			return "Using the agent's default model."
		}
		return fmt.Sprintf("Using model override %q.", s.model)
	}
	if args[0] == "reset" {
		s.model = ""
		e.settings[topicKey] = s
		return "Reverted to the agent's default model."
	}
	s.model = args[0]
	e.settings[topicKey] = s
	return fmt.Sprintf("Model override set to %q for this topic.", args[0])
}

func (e *Engine) cmdThinking(msg bus.InboundMessage, args []string) string {
	topicKey := e.topicKey(msg)
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	s := e.settings[topicKey]
	if len(args) == 0 {
		if s.thinking == "" {
			return "Thinking level: agent default."
		}
		return fmt.Sprintf("Thinking level: %s", s.thinking)
	}
	if args[0] == "reset" {
		s.thinking = ""
		e.settings[topicKey] = s
		return "Thinking level reverted to agent default."
	}
	s.thinking = args[0]
	e.settings[topicKey] = s
	return fmt.Sprintf("Thinking level set to %q for this topic.", args[0])
}

func (e *Engine) cmdReset(msg bus.InboundMessage) string {
	agentID := e.resolveAgentID(msg)
	threadKey := threads.Build(msg.ChatID, msg.TopicID, agentID)
	e.Threads.ResetUser(threadKey)
	go e.Threads.FlushOne(threadKey)
	return "Thread reset. The next message starts a new session."
}

func (e *Engine) cmdMemory(msg bus.InboundMessage) string {
	digest := e.Memory.Store().ReadDigest()
	if digest == "" {
		return "No curated memory yet."
	}
	return digest
}

func (e *Engine) cmdUsage(msg bus.InboundMessage) string {
	state := e.Tokens.Stats(msg.ChatID)
	b, ok := state.Chats[msg.ChatID]
	if !ok {
		return fmt.Sprintf("No usage recorded today (%s).", state.Date)
	}
	return fmt.Sprintf("Usage for %s: %d in / %d out tokens, %d messages, $%.4f.",
		state.Date, b.InputTokens, b.OutputTokens, b.Messages, b.CostUSD)
}

func (e *Engine) cmdStatus(msg bus.InboundMessage) string {
	agentID := e.resolveAgentID(msg)
	threadKey := threads.Build(msg.ChatID, msg.TopicID, agentID)
	turnCount, accumulated, sessionID := e.Threads.Snapshot(threadKey)
	active := "none"
	if sessionID != "" {
		active = sessionID
	}
	return fmt.Sprintf("agent=%s turns=%d context=%dch session=%s budget=%d%%",
		agentID, turnCount, accumulated, active, e.Tokens.BudgetPct())
}

func (e *Engine) cmdCron(ctx context.Context, msg bus.InboundMessage, args []string) string {
	if len(args) == 0 {
		return "Usage: /cron <list|show|assign|unassign|run|logs|reload|chatid>"
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		jobs := e.Cron.List()
		if len(jobs) == 0 {
			return "No cron jobs configured."
		}
		var b strings.Builder
		for _, j := range jobs {
			state, lastErr, _ := e.Cron.Status(j.ID)
			fmt.Fprintf(&b, "%s  %s  enabled=%v  state=%s", j.ID, j.CronExpression, j.Enabled, state)
			if lastErr != "" {
				fmt.Fprintf(&b, "  error=%s", lastErr)
			}
			b.WriteString("\n")
		}
		return strings.TrimSpace(b.String())
	case "show":
		if len(rest) == 0 {
			return "Usage: /cron show <jobId>"
		}
		j, ok := e.Cron.Get(rest[0])
		if !ok {
			return fmt.Sprintf("Unknown cron job %q.", rest[0])
		}
		return fmt.Sprintf("id=%s expr=%q tz=%s agent=%s chat=%s topic=%s enabled=%v\nprompt: %s",
			j.ID, j.CronExpression, j.Timezone, j.Agent, j.ChatID, j.TopicID, j.Enabled, j.Prompt)
	case "assign":
		if len(rest) < 1 {
			return "Usage: /cron assign <jobId> [chatId]"
		}
		j, ok := e.Cron.Get(rest[0])
		if !ok {
			return fmt.Sprintf("Unknown cron job %q.", rest[0])
		}
		chatID := msg.ChatID
		if len(rest) > 1 {
			chatID = rest[1]
		}
		j.ChatID = chatID
		j.TopicID = msg.TopicID
		if err := e.Cron.Assign(j); err != nil {
			return fmt.Sprintf("Failed to assign: %v", err)
		}
		return fmt.Sprintf("Cron job %q now delivers to chat %s.", j.ID, chatID)
	case "unassign":
		if len(rest) == 0 {
			return "Usage: /cron unassign <jobId>"
		}
		if err := e.Cron.Unassign(rest[0]); err != nil {
			return fmt.Sprintf("Failed to unassign: %v", err)
		}
		return fmt.Sprintf("Cron job %q no longer has a chat of its own; it delivers to the default cron chat, if set.", rest[0])
	case "run":
		if len(rest) == 0 {
			return "Usage: /cron run <jobId>"
		}
		if err := e.Cron.RunNow(ctx, rest[0]); err != nil {
			return fmt.Sprintf("Failed to run: %v", err)
		}
		return fmt.Sprintf("Running cron job %q now.", rest[0])
	case "logs":
		if len(rest) == 0 {
			return "Usage: /cron logs <jobId>"
		}
		logs := e.Cron.Logs(rest[0])
		if logs == "" {
			return "No output recorded yet."
		}
		return logs
	case "reload":
		if err := e.Cron.Reload(); err != nil {
			return fmt.Sprintf("Reload failed: %v", err)
		}
		return "Cron jobs reloaded from disk."
	case "chatid":
		chatID := msg.ChatID
		if len(rest) > 0 {
			chatID = rest[0]
		}
		if err := e.setCronChatID(chatID); err != nil {
			return fmt.Sprintf("Failed to set default cron chat: %v", err)
		}
		return fmt.Sprintf("Cron jobs with no chat of their own now deliver to %s.", chatID)
	default:
		return fmt.Sprintf("Unknown cron subcommand %q.", sub)
	}
}
