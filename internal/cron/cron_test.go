package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeDispatcher struct {
	text     string
	err      error
	failForN int // fail with err for this many calls, then succeed
	n        int
}

func (d *fakeDispatcher) DispatchCron(ctx context.Context, job Job) (string, error) {
	d.n++
	if d.n <= d.failForN {
		return "", d.err
	}
	return d.text, nil
}

type fakeBudget struct{ pct int }

func (b *fakeBudget) BudgetPct() int { return b.pct }

func TestCronSkipsWhenBudgetGateReached(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.NoError(t, store.Save([]Job{{ID: "j1", CronExpression: "* * * * *", Enabled: true}}))

	dispatcher := &fakeDispatcher{text: "ok"}
	var delivered bool
	sched := New(store, dispatcher, &fakeBudget{pct: 95}, 90, func(j Job, text string) { delivered = true })
	require.NoError(t, sched.Reload())

	sched.fire(context.Background(), Job{ID: "j1", CronExpression: "* * * * *", Enabled: true})

	assert.Equal(t, 0, dispatcher.n)
	assert.False(t, delivered)
	state, _, ok := sched.Status("j1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, state)
}

func TestCronSilentTokenSuppressesDelivery(t *testing.T) {
	store := NewFileStore(t.TempDir())
	dispatcher := &fakeDispatcher{text: SilentHeartbeatOK}
	var delivered bool
	sched := New(store, dispatcher, &fakeBudget{pct: 0}, 0, func(j Job, text string) { delivered = true })

	sched.fire(context.Background(), Job{ID: "j1", Enabled: true})

	assert.Equal(t, 1, dispatcher.n)
	assert.False(t, delivered)
}

func TestCronRetriesFailedFiringThenSucceeds(t *testing.T) {
	store := NewFileStore(t.TempDir())
	dispatcher := &fakeDispatcher{text: "ok", err: errBoom, failForN: 2}
	var delivered string
	sched := New(store, dispatcher, &fakeBudget{pct: 0}, 0, func(j Job, text string) { delivered = text })
	sched.Retry = RetryPolicy{MaxRetries: 3, BaseDelay: 0, MaxDelay: 0}

	sched.fire(context.Background(), Job{ID: "j1", Enabled: true})

	assert.Equal(t, 3, dispatcher.n)
	assert.Equal(t, "ok", delivered)
	state, lastErr, ok := sched.Status("j1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, state)
	assert.Empty(t, lastErr)
}

func TestCronGivesUpAfterMaxRetries(t *testing.T) {
	store := NewFileStore(t.TempDir())
	dispatcher := &fakeDispatcher{err: errBoom, failForN: 100}
	var delivered bool
	sched := New(store, dispatcher, &fakeBudget{pct: 0}, 0, func(j Job, text string) { delivered = true })
	sched.Retry = RetryPolicy{MaxRetries: 2, BaseDelay: 0, MaxDelay: 0}

	sched.fire(context.Background(), Job{ID: "j1", Enabled: true})

	assert.Equal(t, 3, dispatcher.n) // initial attempt + 2 retries
	assert.False(t, delivered)
	state, lastErr, ok := sched.Status("j1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, state)
	assert.NotEmpty(t, lastErr)
}

func TestCronRoundTripsJobList(t *testing.T) {
	store := NewFileStore(t.TempDir())
	jobs := []Job{
		{ID: "a", CronExpression: "0 9 * * *", Prompt: "good morning", Enabled: true},
		{ID: "b", CronExpression: "*/5 * * * *", Prompt: "heartbeat", Enabled: false},
	}
	require.NoError(t, store.Save(jobs))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, jobs, loaded)
}
