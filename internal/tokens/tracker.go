// Package tokens implements the daily token/cost tracker (Component D):
// per-chat, per-source, and per-agent aggregation, two-phase accounting,
// and at-most-once-per-day budget alerts.
//
// Grounded on Qefaraki-picoclaw's pkg/metrics/tracker.go (JSONL-style
// mutex-guarded append/persist discipline), generalized from one flat
// event log into the daily-rollover aggregate state spec §4.D names.
package tokens

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AlertThresholds is the fixed list of budget percentages that fire an
// at-most-once-per-day alert, in ascending order.
var AlertThresholds = []int{25, 50, 75, 85, 95}

// Bucket aggregates tokens/messages/cost for one chat, source, or agent.
type Bucket struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Messages     int64   `json:"messages"`
	CostUSD      float64 `json:"costUsd"`
}

// State is the persisted current-day token usage snapshot.
type State struct {
	Date            string                  `json:"date"` // YYYY-MM-DD, local time
	Chats           map[string]*Bucket      `json:"chats"`
	Sources         map[string]*Bucket      `json:"sources"`
	Agents          map[string]*Bucket      `json:"agents"`
	AlertsSent      map[int]bool            `json:"alertsSent"`
	AgentAlertsSent map[string]map[int]bool `json:"agentAlertsSent,omitempty"`
	TotalCost       float64                 `json:"totalCostUsd"`
}

func newState(date string) *State {
	return &State{
		Date:            date,
		Chats:           map[string]*Bucket{},
		Sources:         map[string]*Bucket{},
		Agents:          map[string]*Bucket{},
		AlertsSent:      map[int]bool{},
		AgentAlertsSent: map[string]map[int]bool{},
	}
}

// Event is one accounting call's input.
type Event struct {
	ChatID       string
	InputTokens  int64
	OutputTokens int64
	Source       string
	AgentID      string
	CostUSD      float64
}

// AlertFunc is invoked at most once per (threshold, day) when cumulative
// usage crosses a threshold percent of the configured daily budget. An agent
// with its own quota override additionally gets at most one call per
// (threshold, day) for that quota.
type AlertFunc func(pct int, threshold int, state State)

// Tracker owns the current day's usage state, a configured daily budget,
// and fires AlertFunc at the fixed threshold list. Persistence is
// asynchronous and fail-soft: a write failure never fails Track.
type Tracker struct {
	mu          sync.Mutex
	state       *State
	path        string
	budgetDaily int64
	onAlert     AlertFunc
	now         func() time.Time

	// BudgetForAgent resolves the per-agent daily quota override, falling
	// back to the global budget when it returns <= 0. Nil means every
	// agent is gated solely by the global budget. Set directly after New,
	// per the package's "New establishes sane fallbacks, fields may be set
	// directly" convention.
	BudgetForAgent func(agentID string) int64
}

// New creates a Tracker persisting to dir/usage.json with the given daily
// budget (0 = unlimited, no alerts fire).
func New(dir string, budgetDaily int64, onAlert AlertFunc) *Tracker {
	t := &Tracker{
		path:        filepath.Join(dir, "usage.json"),
		budgetDaily: budgetDaily,
		onAlert:     onAlert,
		now:         time.Now,
	}
	t.state = t.load()
	return t
}

func (t *Tracker) today() string {
	return t.now().Local().Format("2006-01-02")
}

// load reads usage.json, discarding it if its date is stale (Invariant:
// "date is always today's local date; stale state is discarded on
// access"). Missing files yield a fresh empty state, no error.
func (t *Tracker) load() *State {
	today := t.today()
	data, err := os.ReadFile(t.path)
	if err != nil {
		return newState(today)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return newState(today)
	}
	if s.Date != today {
		return newState(today)
	}
	if s.Chats == nil {
		s.Chats = map[string]*Bucket{}
	}
	if s.Sources == nil {
		s.Sources = map[string]*Bucket{}
	}
	if s.Agents == nil {
		s.Agents = map[string]*Bucket{}
	}
	if s.AlertsSent == nil {
		s.AlertsSent = map[int]bool{}
	}
	if s.AgentAlertsSent == nil {
		s.AgentAlertsSent = map[string]map[int]bool{}
	}
	return &s
}

// rolloverLocked discards stale state for a new day. Caller must hold mu.
func (t *Tracker) rolloverLocked() {
	today := t.today()
	if t.state.Date != today {
		t.state = newState(today)
	}
}

// Track records one accounting event. Per spec §4.D, the chat message
// counter increments only when InputTokens > 0, so a phase-1 estimate
// (input only) counts the message and a phase-2 correction (output only,
// or a zero-input delta) does not double-count it.
func (t *Tracker) Track(ev Event) {
	t.mu.Lock()
	t.rolloverLocked()

	if ev.ChatID != "" {
		b := bucketFor(t.state.Chats, ev.ChatID)
		b.InputTokens += ev.InputTokens
		b.OutputTokens += ev.OutputTokens
		b.CostUSD += ev.CostUSD
		if ev.InputTokens > 0 {
			b.Messages++
		}
	}
	if ev.Source != "" {
		b := bucketFor(t.state.Sources, ev.Source)
		b.InputTokens += ev.InputTokens
		b.OutputTokens += ev.OutputTokens
		b.CostUSD += ev.CostUSD
	}
	if ev.AgentID != "" {
		b := bucketFor(t.state.Agents, ev.AgentID)
		b.InputTokens += ev.InputTokens
		b.OutputTokens += ev.OutputTokens
		b.CostUSD += ev.CostUSD
	}
	t.state.TotalCost += ev.CostUSD

	pct := t.budgetPctLocked()
	crossed := t.crossedThresholdsLocked(pct)

	var agentPct int
	var agentCrossed []int
	if ev.AgentID != "" {
		agentPct = t.agentBudgetPctLocked(ev.AgentID)
		agentCrossed = t.crossedAgentThresholdsLocked(ev.AgentID, agentPct)
	}

	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	go t.persist(snapshot)

	if t.onAlert != nil {
		for _, th := range crossed {
			t.onAlert(pct, th, snapshot)
		}
		for _, th := range agentCrossed {
			t.onAlert(agentPct, th, snapshot)
		}
	}
}

func bucketFor(m map[string]*Bucket, key string) *Bucket {
	b, ok := m[key]
	if !ok {
		b = &Bucket{}
		m[key] = b
	}
	return b
}

// budgetPctLocked computes the current percent of the daily budget
// consumed by total input+output tokens across all chats.
func (t *Tracker) budgetPctLocked() int {
	if t.budgetDaily <= 0 {
		return 0
	}
	var total int64
	for _, b := range t.state.Chats {
		total += b.InputTokens + b.OutputTokens
	}
	return int((total * 100) / t.budgetDaily)
}

// crossedThresholdsLocked returns every threshold in AlertThresholds that
// pct has now reached for the first time today, marking it sent.
func (t *Tracker) crossedThresholdsLocked(pct int) []int {
	if t.budgetDaily <= 0 {
		return nil
	}
	var crossed []int
	for _, th := range AlertThresholds {
		if pct >= th && !t.state.AlertsSent[th] {
			t.state.AlertsSent[th] = true
			crossed = append(crossed, th)
		}
	}
	return crossed
}

// effectiveAgentBudget resolves agentID's daily quota: BudgetForAgent's
// override when positive, otherwise the global budget.
func (t *Tracker) effectiveAgentBudget(agentID string) int64 {
	if t.BudgetForAgent != nil {
		if b := t.BudgetForAgent(agentID); b > 0 {
			return b
		}
	}
	return t.budgetDaily
}

// agentBudgetPctLocked computes the current percent of agentID's effective
// daily budget consumed by that agent's aggregated tokens.
func (t *Tracker) agentBudgetPctLocked(agentID string) int {
	budget := t.effectiveAgentBudget(agentID)
	if budget <= 0 {
		return 0
	}
	b, ok := t.state.Agents[agentID]
	if !ok {
		return 0
	}
	return int(((b.InputTokens + b.OutputTokens) * 100) / budget)
}

// crossedAgentThresholdsLocked mirrors crossedThresholdsLocked, scoped to
// one agent's own alert history so a busy agent doesn't starve another
// agent's threshold from ever firing. Only agents with their own quota
// override alert here; an agent on the global budget is covered by the
// global alerts.
func (t *Tracker) crossedAgentThresholdsLocked(agentID string, pct int) []int {
	if t.BudgetForAgent == nil || t.BudgetForAgent(agentID) <= 0 {
		return nil
	}
	sent, ok := t.state.AgentAlertsSent[agentID]
	if !ok {
		sent = map[int]bool{}
		t.state.AgentAlertsSent[agentID] = sent
	}
	var crossed []int
	for _, th := range AlertThresholds {
		if pct >= th && !sent[th] {
			sent[th] = true
			crossed = append(crossed, th)
		}
	}
	return crossed
}

// BudgetPct returns the current percent of the daily budget consumed.
func (t *Tracker) BudgetPct() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.budgetPctLocked()
}

// IsBudgetExhausted reports whether usage has reached or exceeded 100% of
// the configured daily budget. Always false when no budget is configured.
func (t *Tracker) IsBudgetExhausted() bool {
	return t.BudgetPct() >= 100
}

// AgentBudgetPct returns the current percent of agentID's effective daily
// budget consumed (its own override when configured, else the global
// budget).
func (t *Tracker) AgentBudgetPct(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.agentBudgetPctLocked(agentID)
}

// IsAgentBudgetExhausted reports whether agentID has reached or exceeded
// 100% of its effective daily budget. This is the gate spec §7's
// BudgetExhaustedError names: a soft stop on further agent invocations for
// the day, not a hard token-level cutoff.
func (t *Tracker) IsAgentBudgetExhausted(agentID string) bool {
	return t.AgentBudgetPct(agentID) >= 100
}

// Stats returns a snapshot of the current day's state. If chatID is
// non-empty, only that chat's bucket is populated in the returned Chats map.
func (t *Tracker) Stats(chatID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	snap := t.snapshotLocked()
	if chatID == "" {
		return snap
	}
	filtered := newState(snap.Date)
	if b, ok := snap.Chats[chatID]; ok {
		filtered.Chats[chatID] = b
	}
	filtered.TotalCost = snap.TotalCost
	return *filtered
}

func (t *Tracker) snapshotLocked() State {
	clone := State{
		Date:            t.state.Date,
		Chats:           map[string]*Bucket{},
		Sources:         map[string]*Bucket{},
		Agents:          map[string]*Bucket{},
		AlertsSent:      map[int]bool{},
		AgentAlertsSent: map[string]map[int]bool{},
		TotalCost:       t.state.TotalCost,
	}
	for k, v := range t.state.Chats {
		cp := *v
		clone.Chats[k] = &cp
	}
	for k, v := range t.state.Sources {
		cp := *v
		clone.Sources[k] = &cp
	}
	for k, v := range t.state.Agents {
		cp := *v
		clone.Agents[k] = &cp
	}
	for k, v := range t.state.AlertsSent {
		clone.AlertsSent[k] = v
	}
	for agentID, sent := range t.state.AgentAlertsSent {
		cp := make(map[int]bool, len(sent))
		for k, v := range sent {
			cp[k] = v
		}
		clone.AgentAlertsSent[agentID] = cp
	}
	return clone
}

// persist writes state to usage.json atomically. Failures are swallowed:
// persistence is fail-soft per §4.D and §7 PersistenceError.
func (t *Tracker) persist(state State) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, "usage-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	tmp.Sync()
	tmp.Close()
	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
	}
}
