// Package engine wires Components A through I into one running process:
// it owns every adapter/store/service the rest of internal/ defines,
// consumes inbound messages off the bus and routes each one through the
// per-topic queue to either the slash-command dispatcher or the agent
// runner, and implements the narrow collaborator interfaces internal/cron
// and internal/runner declare so those packages stay decoupled from each
// other.
//
// Grounded on vanducng-goclaw/cmd/gateway.go's top-level wiring shape (one
// struct owning every subsystem, a single inbound consume loop, a single
// Run/Stop lifecycle) and vanducng-goclaw/internal/scheduler's lane-routing
// idea, replaced here by internal/queue's per-topic channel lanes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/adapter"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/bus"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/config"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/cron"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/format"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/memory"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/overrides"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/queue"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/runner"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/tasks"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/telegram"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/threads"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/tokens"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/transcribe"
)

// topicSetting is a transient, non-persisted per-topic preference: the
// model/thinking-level overrides named by the /model and /thinking
// commands. Unlike the agent override (agent-overrides.json), the spec
// names no durability requirement for these, so they live in memory only
// and reset on restart.
type topicSetting struct {
	model    string
	thinking string
}

// Engine owns every dispatcher subsystem and the inbound consume loop.
type Engine struct {
	dir    string
	cfg    *config.Config
	cfgMu  sync.RWMutex
	watcher *config.Watcher

	Adapters  *adapter.Registry
	Threads   *threads.Store
	Tokens    *tokens.Tracker
	Memory    *memory.Service
	Overrides *overrides.Store
	Queue     *queue.Queue
	Tasks     *tasks.Manager
	Runner    *runner.Runner
	Cron      *cron.Scheduler
	cronStore *cron.FileStore

	Bus         *bus.MessageBus
	Telegram    *telegram.Channel
	Transcriber transcribe.Transcriber
	Formatter   format.Formatter

	settingsMu sync.Mutex
	settings   map[string]topicSetting

	cancel context.CancelFunc
}

// New builds an Engine rooted at dir, loading config.json and every
// persisted store beneath it. The Telegram channel is constructed only if
// cfg.Telegram.Token is non-empty.
func New(dir string) (*Engine, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: load config: %w", err)
	}

	adapters := adapter.NewRegistry()
	adapter.RegisterBuiltins(adapters)

	threadStore, err := threads.NewStore(dir, cfg.ResolveDefaultAgentID())
	if err != nil {
		return nil, fmt.Errorf("engine: open thread store: %w", err)
	}
	if err := threadStore.Flush(); err != nil {
		slog.Warn("engine: flush after legacy thread migration failed", "error", err)
	}

	memStore, err := memory.NewStore(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: open memory store: %w", err)
	}
	soul, _ := os.ReadFile(filepath.Join(dir, "soul.md"))
	tools, _ := os.ReadFile(filepath.Join(dir, "tools.md"))
	memSvc := memory.NewService(memStore, memory.ServiceConfig{
		CaptureMaxChars: cfg.Memory.CaptureMaxChars,
		CurateEvery:     cfg.Memory.CurateEvery,
		CurateMaxBytes:  cfg.Memory.CurateMaxBytes,
		TailLimit:       cfg.Memory.TailLimit,
		RetrievalLimit:  cfg.Memory.RetrievalLimit,
		Soul:            string(soul),
		Tools:           string(tools),
	})

	ov, err := overrides.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: load agent overrides: %w", err)
	}

	q := queue.New()

	e := &Engine{
		dir:         dir,
		cfg:         cfg,
		Adapters:    adapters,
		Threads:     threadStore,
		Memory:      memSvc,
		Overrides:   ov,
		Queue:       q,
		Bus:         bus.New(256),
		Transcriber: transcribe.NoOp{},
		Formatter:   format.Passthrough{},
		settings:    map[string]topicSetting{},
	}
	e.Tokens = tokens.New(dir, cfg.Tokens.BudgetDaily, e.onBudgetAlert)
	e.Tokens.BudgetForAgent = func(agentID string) int64 { return e.config().BudgetForAgent(agentID) }

	e.Runner = runner.New(e, threadStore, e.Tokens, memSvc, ov)
	e.Runner.DefaultAgentID = cfg.ResolveDefaultAgentID()
	e.Runner.RotationTurns = cfg.Thread.RotationTurns
	e.Runner.MaxContextChars = cfg.Thread.MaxContextChars
	e.Runner.FileInstructionsEvery = cfg.Thread.FileInstructionsEvery
	if instr, err := os.ReadFile(filepath.Join(dir, "instructions.md")); err == nil {
		e.Runner.FileInstructions = string(instr)
	}

	e.Tasks = tasks.New(q, e.typingIndicator, time.Hour, 4*time.Second)

	cronStore := cron.NewFileStore(dir)
	e.cronStore = cronStore
	e.Cron = cron.New(cronStore, e, e.Tokens, cfg.Tokens.CronBudgetGatePct, e.deliverCronResult)
	retry := cfg.Cron.ToRetryPolicy()
	e.Cron.Retry = cron.RetryPolicy{MaxRetries: retry.MaxRetries, BaseDelay: retry.BaseDelay, MaxDelay: retry.MaxDelay}
	if err := e.Cron.Reload(); err != nil {
		slog.Warn("engine: load cron jobs failed", "error", err)
	}

	if cfg.Telegram.Token != "" {
		ch, err := telegram.New(cfg.Telegram, e.Bus, filepath.Join(dir, "downloads"))
		if err != nil {
			return nil, fmt.Errorf("engine: create telegram channel: %w", err)
		}
		e.Telegram = ch
	}

	if w, err := config.NewWatcher(dir); err == nil {
		e.watcher = w
		go w.Run(e.onConfigReload)
	} else {
		slog.Warn("engine: config watcher unavailable", "error", err)
	}

	return e, nil
}

func (e *Engine) onConfigReload(fresh *config.Config) {
	e.cfgMu.Lock()
	e.cfg.ReplaceFrom(fresh)
	e.cfg.ApplyEnvOverrides()
	cfg := e.cfg
	e.cfgMu.Unlock()

	e.Runner.DefaultAgentID = cfg.ResolveDefaultAgentID()
	e.Runner.RotationTurns = cfg.Thread.RotationTurns
	e.Runner.MaxContextChars = cfg.Thread.MaxContextChars
	e.Runner.FileInstructionsEvery = cfg.Thread.FileInstructionsEvery
	retry := cfg.Cron.ToRetryPolicy()
	e.Cron.Retry = cron.RetryPolicy{MaxRetries: retry.MaxRetries, BaseDelay: retry.BaseDelay, MaxDelay: retry.MaxDelay}
	slog.Info("engine: config reloaded")
}

func (e *Engine) config() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// --- runner.AgentResolver ---

// Adapter looks up the adapter strategy configured for agentID.
func (e *Engine) Adapter(agentID string) (*adapter.Adapter, error) {
	cfg := e.config()
	spec, ok := cfg.ResolveAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("engine: unconfigured agent %q", agentID)
	}
	return e.Adapters.Get(spec.Adapter)
}

// Workspace returns the configured subprocess working directory for agentID.
func (e *Engine) Workspace(agentID string) string {
	spec, _ := e.config().ResolveAgent(agentID)
	return spec.Workspace
}

// Model returns the configured default model for agentID.
func (e *Engine) Model(agentID string) string {
	spec, _ := e.config().ResolveAgent(agentID)
	return spec.Model
}

// Timeout returns the configured subprocess timeout for agentID: the
// agent's own TimeoutMS, else the AGENT_TIMEOUT_MS-backed
// Agents.DefaultTimeoutMS, else a 2-minute fallback.
func (e *Engine) Timeout(agentID string) time.Duration {
	cfg := e.config()
	spec, _ := cfg.ResolveAgent(agentID)
	switch {
	case spec.TimeoutMS > 0:
		return time.Duration(spec.TimeoutMS) * time.Millisecond
	case cfg.Agents.DefaultTimeoutMS > 0:
		return time.Duration(cfg.Agents.DefaultTimeoutMS) * time.Millisecond
	default:
		return 2 * time.Minute
	}
}

// MaxBuffer returns the configured subprocess output cap for agentID: the
// agent's own MaxBuffer, else the AGENT_MAX_BUFFER-backed
// Agents.DefaultMaxBuffer, else a 10MiB fallback.
func (e *Engine) MaxBuffer(agentID string) int {
	cfg := e.config()
	spec, _ := cfg.ResolveAgent(agentID)
	switch {
	case spec.MaxBuffer > 0:
		return spec.MaxBuffer
	case cfg.Agents.DefaultMaxBuffer > 0:
		return cfg.Agents.DefaultMaxBuffer
	default:
		return 10 * 1024 * 1024
	}
}

// --- cron.Dispatcher ---

// DispatchCron runs one cron firing through the agent runner as an
// ephemeral one-shot invocation scoped to the job's configured agent.
func (e *Engine) DispatchCron(ctx context.Context, job cron.Job) (string, error) {
	agentID := job.Agent
	if agentID == "" {
		agentID = e.config().ResolveDefaultAgentID()
	}
	model := job.Model
	return e.Runner.OneShot(ctx, runner.OneShotRequest{
		AgentID: agentID,
		Prompt:  job.Prompt,
		Model:   model,
		Source:  "cron",
	})
}

// deliverCronResult delivers a firing's output to the job's assigned chat,
// falling back to the configured cronChatId (spec §6) when the job has none.
func (e *Engine) deliverCronResult(job cron.Job, text string) {
	chatID := job.ChatID
	if chatID == "" {
		chatID = e.config().Cron.ChatID
	}
	if chatID == "" {
		return
	}
	topicID := job.TopicID
	if job.ChatID == "" {
		topicID = ""
	}
	e.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  chatID,
		TopicID: topicID,
		Content: e.Formatter.Format(text),
	})
}

// setCronChatID persists chatID as the default cron delivery chat, used by
// the /cron chatid command.
func (e *Engine) setCronChatID(chatID string) error {
	e.cfgMu.RLock()
	cfg := e.cfg
	e.cfgMu.RUnlock()
	cfg.SetCronChatID(chatID)
	return config.Save(e.dir, cfg)
}

func (e *Engine) onBudgetAlert(pct, threshold int, state tokens.State) {
	chatID := e.config().Cron.ChatID
	if chatID == "" {
		return
	}
	e.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  chatID,
		Content: fmt.Sprintf("Token budget at %d%% of daily limit (threshold %d%%).", pct, threshold),
	})
}

func (e *Engine) typingIndicator(chatID, topicID string) {
	if e.Telegram != nil {
		e.Telegram.Typing(chatID, topicID)
	}
}

// Run starts every long-running subsystem and blocks until ctx is
// cancelled, then stops the cron scheduler and the transport and returns.
// Jobs still queued or running on the per-topic queue are not waited for.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	if e.Telegram != nil {
		if err := e.Telegram.Start(runCtx); err != nil {
			return fmt.Errorf("engine: start telegram: %w", err)
		}
	}

	go e.Cron.Run(runCtx, time.Minute)

	for {
		select {
		case <-runCtx.Done():
			e.Cron.Stop()
			if e.Telegram != nil {
				e.Telegram.Stop()
			}
			return nil
		case msg, ok := <-e.Bus.ConsumeInbound():
			if !ok {
				return nil
			}
			e.dispatchInbound(msg)
		}
	}
}

// Stop cancels Run's context and closes the config watcher. It does not wait
// for in-flight queue work.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		e.watcher.Close()
	}
}

// dispatchInbound routes one inbound message onto its topic's queue lane,
// so per-topic ordering holds even though the bus consume loop itself is
// single-threaded.
func (e *Engine) dispatchInbound(msg bus.InboundMessage) {
	topicKey := threads.TopicKey(msg.ChatID, msg.TopicID)
	e.Queue.Enqueue(topicKey, func() {
		e.handleInbound(context.Background(), msg)
	})
}

func (e *Engine) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	text := strings.TrimSpace(msg.Content)
	if strings.HasPrefix(text, "/") {
		reply := e.runCommand(ctx, msg, text)
		if reply != "" {
			e.Bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, TopicID: msg.TopicID, Content: reply})
		}
		return
	}

	attachments, err := e.resolveAttachments(ctx, msg)
	if err != nil {
		slog.Error("engine: resolve attachments failed", "error", err)
	}

	prompt := text
	for _, a := range attachments {
		if a.Kind == "transcript" {
			prompt = strings.TrimSpace(prompt + "\n" + a.Path)
		}
	}

	threadKey := threads.Build(msg.ChatID, msg.TopicID, e.resolveAgentID(msg))
	e.Memory.Capture(memory.Event{
		ThreadKey: threadKey, ChatID: msg.ChatID, TopicID: msg.TopicID,
		Role: memory.RoleUser, Kind: memory.KindText, Text: prompt, Timestamp: time.Now(),
	})

	model, thinking := e.topicSettings(msg.ChatID, msg.TopicID)
	result, err := e.Runner.Chat(ctx, runner.ChatRequest{
		ChatID: msg.ChatID, TopicID: msg.TopicID, Prompt: prompt,
		Attachments: toRunnerAttachments(attachments), Model: model, Thinking: thinking,
		Source: msg.Channel,
	})
	if err != nil {
		var budgetErr *runner.BudgetExhaustedError
		if errors.As(err, &budgetErr) {
			e.Bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel, ChatID: msg.ChatID, TopicID: msg.TopicID,
				Content: fmt.Sprintf("Daily token budget reached for agent %q. Try again tomorrow or switch agents with /agent.", budgetErr.AgentID),
			})
			return
		}
		slog.Error("engine: chat pipeline failed", "error", err, "chat", msg.ChatID, "topic", msg.TopicID)
		e.Bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, TopicID: msg.TopicID, Content: "Sorry, something went wrong processing that."})
		return
	}

	e.Memory.Capture(memory.Event{
		ThreadKey: result.ThreadKey, ChatID: msg.ChatID, TopicID: msg.TopicID,
		Role: memory.RoleAssistant, Kind: memory.KindText, Text: result.Text, Timestamp: time.Now(),
	})

	e.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel, ChatID: msg.ChatID, TopicID: msg.TopicID,
		Content: e.Formatter.Format(result.Text),
	})
}

type resolvedAttachment struct {
	Kind string
	Path string
}

// resolveAttachments transcribes audio/voice media through the configured
// Transcriber and passes image/document media through untouched.
func (e *Engine) resolveAttachments(ctx context.Context, msg bus.InboundMessage) ([]resolvedAttachment, error) {
	var out []resolvedAttachment
	for _, m := range msg.Media {
		switch m.Kind {
		case bus.KindVoice, bus.KindAudio:
			text, err := e.Transcriber.Transcribe(ctx, m.URL)
			if err != nil {
				return out, err
			}
			if text != "" {
				out = append(out, resolvedAttachment{Kind: "transcript", Path: text})
			}
		default:
			out = append(out, resolvedAttachment{Kind: m.Kind, Path: m.URL})
		}
	}
	return out, nil
}

func toRunnerAttachments(in []resolvedAttachment) []runner.Attachment {
	var out []runner.Attachment
	for _, a := range in {
		if a.Kind == "transcript" {
			continue
		}
		out = append(out, runner.Attachment{Kind: a.Kind, Path: a.Path})
	}
	return out
}

func (e *Engine) resolveAgentID(msg bus.InboundMessage) string {
	if msg.AgentID != "" {
		return msg.AgentID
	}
	if id, ok := e.Overrides.Get(threads.TopicKey(msg.ChatID, msg.TopicID)); ok && id != "" {
		return id
	}
	return e.config().ResolveDefaultAgentID()
}

func (e *Engine) topicSettings(chatID, topicID string) (model, thinking string) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	s := e.settings[threads.TopicKey(chatID, topicID)]
	return s.model, s.thinking
}
