package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeyRunsInSubmissionOrder(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 20; i++ {
		i := i
		q.Enqueue("topic-1", func() {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.Wait("topic-1")

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	q := New()
	start := make(chan struct{})
	releaseA := make(chan struct{})
	doneB := make(chan struct{})

	q.Enqueue("a", func() {
		close(start)
		<-releaseA
	})
	<-start

	q.Enqueue("b", func() {
		close(doneB)
	})

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("topic b blocked behind topic a")
	}
	close(releaseA)
	q.Wait("a")
}

func TestLaneTearsDownAndRecreates(t *testing.T) {
	q := New()
	q.Wait("topic-x")

	// drain deletes the lane after the job that Wait enqueued returns, which
	// can be just after Wait itself returns.
	assert.Eventually(t, func() bool {
		q.mu.Lock()
		_, exists := q.lanes["topic-x"]
		q.mu.Unlock()
		return !exists
	}, time.Second, time.Millisecond)

	q.Wait("topic-x")
}
