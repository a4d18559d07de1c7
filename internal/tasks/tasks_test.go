package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/queue"
)

func TestSameThreadKeyChainsSequentially(t *testing.T) {
	m := New(queue.New(), nil, time.Hour, time.Hour)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		m.Dispatch(context.Background(), "thread-1", "c1", "root", "p", func(ctx context.Context) (string, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return "", nil
		}, func(result string, err error) { wg.Done() })
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestResolveLastTarget(t *testing.T) {
	m := New(queue.New(), nil, time.Hour, time.Hour)
	done := make(chan struct{})
	id := m.Dispatch(context.Background(), "thread-1", "c1", "root", "p", func(ctx context.Context) (string, error) {
		return "ok", nil
	}, func(result string, err error) { close(done) })

	<-done
	time.Sleep(5 * time.Millisecond)

	entry, ok := m.Resolve("last")
	require.True(t, ok)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, StatusCompleted, entry.Status)
}

func TestFailedTaskRecordsError(t *testing.T) {
	m := New(queue.New(), nil, time.Hour, time.Hour)
	done := make(chan struct{})
	id := m.Dispatch(context.Background(), "thread-1", "c1", "root", "p", func(ctx context.Context) (string, error) {
		return "", assertErr{}
	}, func(result string, err error) { close(done) })

	<-done
	time.Sleep(5 * time.Millisecond)

	entry, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, entry.Status)
	assert.NotEmpty(t, entry.Error)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
