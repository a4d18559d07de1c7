// Package cron implements the cron scheduler (Component H): time-triggered
// invocations of the agent runner, gated by the token budget, with
// retry-with-backoff on failure, a bounded per-job output ring, and
// silent-token suppression.
//
// Grounded on vanducng-goclaw/cmd/gateway_cron.go's dispatch-through-
// scheduler-then-block-on-result shape (a cron firing resolves its agent,
// runs it, and publishes the outbound result), adapted from that
// scheduler-lane indirection onto a direct call into internal/runner, and
// on config.CronConfig.ToRetryPolicy for retry behavior.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Silent tokens suppress outbound delivery entirely when present in a job's
// response text, per spec's GLOSSARY.
const (
	SilentHeartbeatOK    = "HEARTBEAT_OK"
	SilentCurationEmpty  = "CURATION_EMPTY"
)

// Job is one persisted cron job definition (spec §3).
type Job struct {
	ID             string `json:"id"`
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone,omitempty"`
	Prompt         string `json:"prompt"`
	Enabled        bool   `json:"enabled"`
	ChatID         string `json:"chatId,omitempty"`
	TopicID        string `json:"topicId,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
}

// RunState values for the per-job state machine (spec §4.H).
const (
	StateIdle      = "idle"
	StateScheduled = "scheduled"
	StateRunning   = "running"
	StateLogging   = "logging"
	StateFailed    = "failed"
)

// ringBufferSize bounds each job's retained live-output log, per spec §4.H
// ("≈50 KB").
const ringBufferSize = 50 * 1024

// outputRing is a bounded FIFO byte buffer for one job's captured output.
type outputRing struct {
	mu   sync.Mutex
	data []byte
}

func (r *outputRing) append(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, []byte(chunk)...)
	if len(r.data) > ringBufferSize {
		r.data = r.data[len(r.data)-ringBufferSize:]
	}
}

func (r *outputRing) read() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

// jobRuntime tracks the live state of one job between scheduler ticks.
type jobRuntime struct {
	state string
	ring  *outputRing
	err   string
}

// Dispatcher runs a cron job through to completion: resolve the effective
// agent and model from the job, invoke the runner, return the reply text
// (or an error). The job's Cwd is not applied: the run uses the agent's
// configured workspace. Implemented by the engine; kept as a narrow interface so
// this package has no dependency on internal/runner's full surface.
type Dispatcher interface {
	DispatchCron(ctx context.Context, job Job) (text string, err error)
}

// BudgetGate reports the current percent of the daily token budget
// consumed, used to decide whether a firing should be skipped.
type BudgetGate interface {
	BudgetPct() int
}

// OutboundFunc delivers a job's reply to its configured destination.
type OutboundFunc func(job Job, text string)

// Scheduler is the cron scheduler (Component H).
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]Job
	runtime map[string]*jobRuntime

	dispatcher Dispatcher
	budget     BudgetGate
	gatePct    int
	onDeliver  OutboundFunc
	store      *FileStore
	gron       gronx.Gronx

	// Retry configures per-job retry-on-failure behavior, per §6's
	// maxRetries/retryBaseDelay/retryMaxDelay cron config. Set directly
	// after New; defaults to DefaultRetryPolicy.
	Retry RetryPolicy

	stop chan struct{}
}

// RetryPolicy bounds how a failed job firing is retried before giving up
// for that firing.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the built-in retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// New creates a Scheduler backed by store, dispatching through dispatcher
// and gated by budget at gatePct percent (0 = no gate).
func New(store *FileStore, dispatcher Dispatcher, budget BudgetGate, gatePct int, onDeliver OutboundFunc) *Scheduler {
	return &Scheduler{
		jobs:       map[string]Job{},
		runtime:    map[string]*jobRuntime{},
		dispatcher: dispatcher,
		budget:     budget,
		gatePct:    gatePct,
		onDeliver:  onDeliver,
		store:      store,
		gron:       gronx.New(),
		Retry:      DefaultRetryPolicy(),
		stop:       make(chan struct{}),
	}
}

// Reload re-reads the persisted job list and reconciles scheduled state
// against the current set (spec §4.H).
func (s *Scheduler) Reload() error {
	jobs, err := s.store.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = map[string]Job{}
	for _, j := range jobs {
		s.jobs[j.ID] = j
		if _, ok := s.runtime[j.ID]; !ok {
			s.runtime[j.ID] = &jobRuntime{state: StateIdle, ring: &outputRing{}}
		}
	}
	for id := range s.runtime {
		if _, ok := s.jobs[id]; !ok {
			delete(s.runtime, id)
		}
	}
	return nil
}

// Run starts the scheduler's tick loop, checking every interval for jobs
// whose cron expression matches the current minute. Call in a goroutine;
// returns when Stop is called.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// Stop signals Run to return.
func (s *Scheduler) Stop() { close(s.stop) }

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]Job, 0)
	for _, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		if s.runtime[j.ID].state == StateRunning {
			continue // one active run per job at a time
		}
		loc := time.Local
		if j.Timezone != "" {
			if l, err := time.LoadLocation(j.Timezone); err == nil {
				loc = l
			}
		}
		if matched, _ := s.gron.IsDue(j.CronExpression, now.In(loc)); matched {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		go s.fire(ctx, j)
	}
}

// RunNow fires job immediately, bypassing the cron-expression match (used
// by the /cron run command).
func (s *Scheduler) RunNow(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", jobID)
	}
	s.fire(ctx, j)
	return nil
}

func (s *Scheduler) fire(ctx context.Context, j Job) {
	s.setState(j.ID, StateScheduled)

	if s.gatePct > 0 && s.budget != nil && s.budget.BudgetPct() >= s.gatePct {
		slog.Info("cron: skipping job, budget gate reached", "job", j.ID, "gate", s.gatePct, "pct", s.budget.BudgetPct())
		s.setState(j.ID, StateIdle)
		return
	}

	s.setState(j.ID, StateRunning)
	text, err := s.dispatchWithRetry(ctx, j)
	if err != nil {
		slog.Error("cron: job failed", "job", j.ID, "error", err)
		s.setError(j.ID, err.Error())
		return
	}

	s.setState(j.ID, StateLogging)
	s.appendRing(j.ID, text)

	if isSilent(text) {
		s.setState(j.ID, StateIdle)
		return
	}
	if s.onDeliver != nil {
		s.onDeliver(j, text)
	}
	s.setState(j.ID, StateIdle)
}

// dispatchWithRetry runs j through the dispatcher, retrying on failure with
// exponential backoff (capped at Retry.MaxDelay) up to Retry.MaxRetries
// additional attempts before giving up.
func (s *Scheduler) dispatchWithRetry(ctx context.Context, j Job) (string, error) {
	delay := s.Retry.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= s.Retry.MaxRetries; attempt++ {
		text, err := s.dispatcher.DispatchCron(ctx, j)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt == s.Retry.MaxRetries {
			break
		}
		slog.Warn("cron: job attempt failed, retrying", "job", j.ID, "attempt", attempt+1, "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if s.Retry.MaxDelay > 0 && delay > s.Retry.MaxDelay {
			delay = s.Retry.MaxDelay
		}
	}
	return "", lastErr
}

func isSilent(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == SilentHeartbeatOK || trimmed == SilentCurationEmpty
}

func (s *Scheduler) setState(jobID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtime[jobID]
	if !ok {
		rt = &jobRuntime{ring: &outputRing{}}
		s.runtime[jobID] = rt
	}
	rt.state = state
}

func (s *Scheduler) setError(jobID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtime[jobID]
	if !ok {
		rt = &jobRuntime{ring: &outputRing{}}
		s.runtime[jobID] = rt
	}
	rt.state = StateFailed
	rt.err = msg
}

func (s *Scheduler) appendRing(jobID, text string) {
	s.mu.Lock()
	rt, ok := s.runtime[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.ring.append(text)
}

// Logs returns the bounded recent-output ring for jobID.
func (s *Scheduler) Logs(jobID string) string {
	s.mu.Lock()
	rt, ok := s.runtime[jobID]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	return rt.ring.read()
}

// Status returns the current state machine value for jobID.
func (s *Scheduler) Status(jobID string) (state, lastError string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, exists := s.runtime[jobID]
	if !exists {
		return "", "", false
	}
	return rt.state, rt.err, true
}

// List returns every configured job.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Get returns one job by id.
func (s *Scheduler) Get(jobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// Assign sets job.ChatID/TopicID/Agent and persists, creating the job if it
// does not exist yet.
func (s *Scheduler) Assign(j Job) error {
	s.mu.Lock()
	s.jobs[j.ID] = j
	if _, ok := s.runtime[j.ID]; !ok {
		s.runtime[j.ID] = &jobRuntime{state: StateIdle, ring: &outputRing{}}
	}
	jobs := s.jobsSnapshotLocked()
	s.mu.Unlock()
	return s.store.Save(jobs)
}

// Unassign clears a job's chat/topic delivery target without deleting the
// job and persists. The job's output then goes to the engine's default cron
// chat, if one is configured, and is otherwise not delivered.
func (s *Scheduler) Unassign(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cron: unknown job %q", jobID)
	}
	j.ChatID = ""
	j.TopicID = ""
	s.jobs[jobID] = j
	jobs := s.jobsSnapshotLocked()
	s.mu.Unlock()
	return s.store.Save(jobs)
}

func (s *Scheduler) jobsSnapshotLocked() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}
