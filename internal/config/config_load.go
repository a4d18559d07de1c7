package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			List: map[string]AgentSpec{},
		},
		Thread: ThreadConfig{
			RotationTurns:         40,
			MaxContextChars:       160000,
			FileInstructionsEvery: 5,
		},
		Memory: MemoryConfig{
			CurateEvery:     20,
			RetrievalLimit:  8,
			CaptureMaxChars: 4000,
			CurateMaxBytes:  8000,
			TailLimit:       20,
		},
		Cron: CronConfig{
			MaxRetries:     3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "30s",
		},
	}
}

// Dir resolves the XDG-style config root, honoring the GOCLAW_DISPATCH_HOME
// environment override.
func Dir() string {
	if v := os.Getenv("GOCLAW_DISPATCH_HOME"); v != "" {
		return ExpandHome(v)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "goclaw-dispatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "goclaw-dispatch")
}

// Load reads config.json from dir, then overlays env vars. Missing files
// yield a default config with no error (Testable Property: "missing
// persisted files must start with empty state, no error").
func Load(dir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(dir, "config.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("GOCLAW_DISPATCH_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envInt("AGENT_TIMEOUT_MS", &c.Agents.DefaultTimeoutMS)
	envInt("AGENT_MAX_BUFFER", &c.Agents.DefaultMaxBuffer)
	envInt("FILE_INSTRUCTIONS_EVERY", &c.Thread.FileInstructionsEvery)
	envInt("THREAD_ROTATION_TURNS", &c.Thread.RotationTurns)
	envInt("THREAD_MAX_CONTEXT_CHARS", &c.Thread.MaxContextChars)
	envInt("MEMORY_CURATE_EVERY", &c.Memory.CurateEvery)
	envInt("MEMORY_RETRIEVAL_LIMIT", &c.Memory.RetrievalLimit)
	envInt("MEMORY_CAPTURE_MAX_CHARS", &c.Memory.CaptureMaxChars)
	envInt64("TOKEN_BUDGET_DAILY", &c.Tokens.BudgetDaily)
	envInt("CRON_BUDGET_GATE_PCT", &c.Tokens.CronBudgetGatePct)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after a hot-reload to restore runtime secrets from env.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to config.json under dir, atomically.
func Save(dir string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Watcher hot-reloads config.json whenever it changes on disk. Only
// config.json is watched: agent-overrides.json is read once at startup and
// cron.json is re-read only by an explicit scheduler Reload.
type Watcher struct {
	dir string
	fsw *fsnotify.Watcher
}

// NewWatcher starts watching dir for config.json changes.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{dir: dir, fsw: fsw}, nil
}

// Run invokes onReload with a freshly loaded config whenever config.json
// changes, until ctx-like stop is requested via Close.
func (w *Watcher) Run(onReload func(*Config)) {
	configPath := filepath.Join(w.dir, "config.json")
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != configPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.dir)
			if err != nil {
				slog.Warn("config: reload failed", "error", err)
				continue
			}
			onReload(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
