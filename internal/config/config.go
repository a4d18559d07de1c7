// Package config loads and persists the dispatcher's root configuration.
package config

import (
	"sync"
	"time"
)

// DefaultAgentID is used when no agent is marked default.
const DefaultAgentID = "default"

// Config is the root configuration for the dispatch engine.
type Config struct {
	Agents   AgentsConfig   `json:"agents"`
	Telegram TelegramConfig `json:"telegram"`
	Thread   ThreadConfig   `json:"thread"`
	Memory   MemoryConfig   `json:"memory"`
	Tokens   TokenConfig    `json:"tokens"`
	Cron     CronConfig     `json:"cron"`

	mu sync.RWMutex
}

// AgentsConfig holds the agent adapter registry configuration.
type AgentsConfig struct {
	Default string               `json:"default,omitempty"`
	List    map[string]AgentSpec `json:"list,omitempty"`

	// DefaultTimeoutMS and DefaultMaxBuffer are the AGENT_TIMEOUT_MS /
	// AGENT_MAX_BUFFER env-knob fallbacks applied when an AgentSpec leaves
	// TimeoutMS/MaxBuffer unset.
	DefaultTimeoutMS int `json:"defaultTimeoutMs,omitempty"`
	DefaultMaxBuffer int `json:"defaultMaxBuffer,omitempty"`
}

// AgentSpec describes one configured agent adapter instance.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Adapter     string `json:"adapter"`               // adapter strategy name, e.g. "claude-code", "codex-cli"
	Model       string `json:"model,omitempty"`
	Workspace   string `json:"workspace,omitempty"`    // cwd passed to the subprocess
	NeedsPty    bool   `json:"needsPty,omitempty"`
	MergeStderr bool   `json:"mergeStderr,omitempty"`
	TimeoutMS   int    `json:"timeoutMs,omitempty"`    // overrides AGENT_TIMEOUT_MS
	MaxBuffer   int    `json:"maxBuffer,omitempty"`    // overrides AGENT_MAX_BUFFER
	BudgetDaily int64  `json:"budgetDaily,omitempty"`  // per-agent quota override, 0 = inherit global
	Default     bool   `json:"default,omitempty"`
}

// TelegramConfig configures the Telegram ingress/egress transport.
type TelegramConfig struct {
	Token     string   `json:"-"` // from env GOCLAW_DISPATCH_TELEGRAM_TOKEN only, never persisted
	AllowFrom []string `json:"allowFrom,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
}

// ThreadConfig configures session rotation.
type ThreadConfig struct {
	RotationTurns         int `json:"rotationTurns,omitempty"`         // THREAD_ROTATION_TURNS, default 40
	MaxContextChars       int `json:"maxContextChars,omitempty"`       // THREAD_MAX_CONTEXT_CHARS, default 160000
	FileInstructionsEvery int `json:"fileInstructionsEvery,omitempty"` // FILE_INSTRUCTIONS_EVERY, default 5
}

// MemoryConfig configures the memory capture/curation/retrieval loop.
type MemoryConfig struct {
	CurateEvery     int `json:"curateEvery,omitempty"`     // MEMORY_CURATE_EVERY, default 20
	RetrievalLimit  int `json:"retrievalLimit,omitempty"`  // MEMORY_RETRIEVAL_LIMIT, default 8
	CaptureMaxChars int `json:"captureMaxChars,omitempty"` // MEMORY_CAPTURE_MAX_CHARS, default 4000
	CurateMaxBytes  int `json:"curateMaxBytes,omitempty"`  // digest size cap, default 8000
	TailLimit       int `json:"tailLimit,omitempty"`       // events in bootstrap thread-tail, default 20
}

// TokenConfig configures daily budgets and alerts.
type TokenConfig struct {
	BudgetDaily       int64 `json:"budgetDaily,omitempty"`       // TOKEN_BUDGET_DAILY, 0 = unlimited
	CronBudgetGatePct int   `json:"cronBudgetGatePct,omitempty"` // CRON_BUDGET_GATE_PCT, 0 = no gate
}

// AlertThresholds is the fixed list of budget percentages that trigger
// at-most-once-per-day alerts.
var AlertThresholds = []int{25, 50, 75, 85, 95}

// CronConfig configures the cron scheduler.
type CronConfig struct {
	ChatID         string `json:"cronChatId,omitempty"` // default delivery chat for jobs lacking one
	MaxRetries     int    `json:"maxRetries,omitempty"`
	RetryBaseDelay string `json:"retryBaseDelay,omitempty"` // Go duration string, default "2s"
	RetryMaxDelay  string `json:"retryMaxDelay,omitempty"`  // default "30s"
}

// RetryPolicy is the parsed form of CronConfig's retry fields.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the built-in retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// ToRetryPolicy converts CronConfig to a RetryPolicy with defaults applied.
func (cc CronConfig) ToRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	if cc.MaxRetries > 0 {
		p.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
			p.BaseDelay = d
		}
	}
	if cc.RetryMaxDelay != "" {
		if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
			p.MaxDelay = d
		}
	}
	return p
}

// ResolveAgent returns the effective agent spec for agentID, or the zero
// value with ok=false if unconfigured.
func (c *Config) ResolveAgent(agentID string) (AgentSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.Agents.List[agentID]
	return spec, ok
}

// ResolveDefaultAgentID returns the ID of the agent marked default, the
// configured Agents.Default, or the package sentinel DefaultAgentID.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	if c.Agents.Default != "" {
		return c.Agents.Default
	}
	return DefaultAgentID
}

// BudgetForAgent returns the per-agent daily budget override, falling back
// to the global Tokens.BudgetDaily when unset.
func (c *Config) BudgetForAgent(agentID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.BudgetDaily > 0 {
		return spec.BudgetDaily
	}
	return c.Tokens.BudgetDaily
}

// SetCronChatID sets the default cron delivery chat id, used by
// deliverCronResult when a job has no chat id of its own.
func (c *Config) SetCronChatID(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cron.ChatID = chatID
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config-file watcher to apply a reload atomically.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Telegram = src.Telegram
	c.Thread = src.Thread
	c.Memory = src.Memory
	c.Tokens = src.Tokens
	c.Cron = src.Cron
}

