// Package adapter implements the agent adapter registry (Component A): a
// polymorphic strategy over external CLI agent processes. Each adapter
// knows how to build a shell command line for a turn and how to parse that
// agent's particular output format back into a normalized result.
package adapter

import (
	"fmt"
	"sync"
)

// Style names the output-parsing strategy an adapter uses.
type Style int

const (
	// StyleLineJSON buffers characters until a prefix parses as a complete
	// JSON object, emits it, and resets — the NDJSON/stream-json style.
	StyleLineJSON Style = iota
	// StyleEnvelope parses the whole trimmed output as one JSON object,
	// falling back to scanning from the bottom for the last parseable line.
	StyleEnvelope
	// StylePlain returns the trimmed output unchanged; never sets SessionID.
	StylePlain
)

// EnvPrefix is the fixed prefix for environment variables carrying
// agent-turn inputs, so an adapter's command string can reference them as
// shell expansions ($DISPATCH_PROMPT, $DISPATCH_SESSION_ID, ...).
const EnvPrefix = "DISPATCH_"

// BuildRequest carries the inputs to an adapter's command builder.
type BuildRequest struct {
	Prompt    string
	SessionID string // empty for a new thread
	Model     string // empty = adapter/agent default
	Thinking  string // empty = adapter/agent default
}

// Command is the result of building a turn: a shell command line plus the
// environment variables it references.
type Command struct {
	Line string            // passed to `bash -lc <Line>`
	Env  map[string]string // EnvPrefix-named variables referenced by Line
}

// Usage is structured token/cost usage reported by an agent, when available.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ParsedOutput is the normalized result of parsing one subprocess's output.
type ParsedOutput struct {
	Text      string
	SessionID string // empty if the agent reported none
	SawJSON   bool   // true if at least one JSON object was recognized
	Usage     *Usage
	CostUSD   float64
}

// Adapter is a per-agent strategy: build the command for a turn, parse its
// output, and optionally recover a session id via a session-listing
// fallback. NeedsPty and MergeStderr are boolean capability flags rather
// than an open-ended trait bag, per the registry's tagged-variant design.
type Adapter struct {
	Name        string
	Style       Style
	NeedsPty    bool // stdin/stdout must be attached to a pseudo-terminal
	MergeStderr bool // stderr is folded into stdout before parsing

	BuildCommand func(req BuildRequest) Command
	ParseOutput  func(raw []byte) (ParsedOutput, error)

	// Optional capabilities. Nil means "unsupported" — callers must
	// capability-check before invoking (HasSessionList / HasModelList).
	ListSessionsCommand func() Command
	ParseSessionList    func(raw []byte) (sessionID string, ok bool)
	ListModelsCommand   func() Command
	ParseModelList      func(raw []byte) []string
}

// HasSessionList reports whether the adapter supports session-list fallback.
func (a *Adapter) HasSessionList() bool {
	return a.ListSessionsCommand != nil && a.ParseSessionList != nil
}

// HasModelList reports whether the adapter supports model listing.
func (a *Adapter) HasModelList() bool {
	return a.ListModelsCommand != nil && a.ParseModelList != nil
}

// Registry holds named adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

// Register adds or replaces an adapter by name.
func (r *Registry) Register(a *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name] = a
}

// Get returns the adapter for name, or an error if unregistered.
func (r *Registry) Get(name string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapter: unknown agent adapter %q", name)
	}
	return a, nil
}

// Names returns every registered adapter name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
