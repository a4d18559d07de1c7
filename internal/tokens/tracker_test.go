package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoPhaseAccountingDoesNotDoubleCountMessages(t *testing.T) {
	tr := New(t.TempDir(), 0, nil)

	tr.Track(Event{ChatID: "c1", InputTokens: 100})
	tr.Track(Event{ChatID: "c1", OutputTokens: 40})

	stats := tr.Stats("c1")
	require.Contains(t, stats.Chats, "c1")
	assert.EqualValues(t, 1, stats.Chats["c1"].Messages)
	assert.EqualValues(t, 100, stats.Chats["c1"].InputTokens)
	assert.EqualValues(t, 40, stats.Chats["c1"].OutputTokens)
}

func TestBudgetAlertsFireOnceAtEachThresholdInOrder(t *testing.T) {
	var fired []int
	tr := New(t.TempDir(), 1000, func(pct, threshold int, _ State) {
		fired = append(fired, threshold)
	})

	steps := []int64{300, 250, 250, 100, 100} // cumulative: 300,550,800,900,1000
	for _, step := range steps {
		tr.Track(Event{ChatID: "c1", InputTokens: step})
	}

	assert.Equal(t, []int{25, 50, 75, 85, 95}, fired)
}

func TestBudgetExhausted(t *testing.T) {
	tr := New(t.TempDir(), 100, nil)
	assert.False(t, tr.IsBudgetExhausted())
	tr.Track(Event{ChatID: "c1", InputTokens: 100})
	assert.True(t, tr.IsBudgetExhausted())
}

func TestMissingUsageFileStartsEmpty(t *testing.T) {
	tr := New(t.TempDir(), 0, nil)
	stats := tr.Stats("")
	assert.Empty(t, stats.Chats)
}
