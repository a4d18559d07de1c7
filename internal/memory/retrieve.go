package memory

import (
	"sort"
	"strings"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/threads"
)

// RetrieveQuery is the input to Retrieve.
type RetrieveQuery struct {
	Query   string
	ChatID  string
	TopicID string
	AgentID string
	Limit   int
}

// Result is one retrieved memory fragment with the scope it came from, for
// callers that want to attribute or debug a retrieval mix.
type Result struct {
	Event Event
	Scope string
}

// Scope names, in the fixed priority order Retrieve mixes them (Open
// Question 2 decision recorded in DESIGN.md): same-thread first, then
// same-topic-other-agent, then same-chat-other-topic, then global.
const (
	ScopeThread       = "thread"
	ScopeTopic        = "topic"
	ScopeChat         = "chat"
	ScopeGlobal       = "global"
)

var scopeOrder = []string{ScopeThread, ScopeTopic, ScopeChat, ScopeGlobal}

// Retrieve returns a ranked mix of past events relevant to q, drawn from
// four scopes in fixed priority order and capped per-scope at
// ceil(limit/4), each scope internally ordered by recency with keyword
// overlap against q.Query breaking ties, truncated to q.Limit total. The
// algorithm is deterministic given identical inputs (Testable Property 6).
func (s *Store) Retrieve(q RetrieveQuery) []Result {
	if q.Limit <= 0 {
		return nil
	}
	threadKey := threads.Build(q.ChatID, q.TopicID, q.AgentID)
	perScope := (q.Limit + len(scopeOrder) - 1) / len(scopeOrder)
	keywords := keywordsOf(q.Query)

	buckets := map[string][]Event{
		ScopeThread: nil,
		ScopeTopic:  nil,
		ScopeChat:   nil,
		ScopeGlobal: nil,
	}

	for _, key := range s.allThreadKeys() {
		k, ok := threads.Parse(key)
		if !ok {
			continue
		}
		scope := classify(k, q, threadKey, key)
		if scope == "" {
			continue
		}
		buckets[scope] = append(buckets[scope], s.events(key)...)
	}

	var out []Result
	for _, scope := range scopeOrder {
		events := rankEvents(buckets[scope], keywords)
		if len(events) > perScope {
			events = events[:perScope]
		}
		for _, ev := range events {
			out = append(out, Result{Event: ev, Scope: scope})
		}
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// classify assigns a scope to a candidate thread key relative to the
// querying (chat, topic, agent), or "" if it should be excluded (the
// querying thread's own key is already covered by ScopeThread so it is
// never double-counted under ScopeTopic/ScopeChat).
func classify(k threads.Key, q RetrieveQuery, selfKey, candidateKey string) string {
	if candidateKey == selfKey {
		return ScopeThread
	}
	if k.ChatID == q.ChatID && k.TopicID == threads.NormalizeTopic(q.TopicID) {
		return ScopeTopic
	}
	if k.ChatID == q.ChatID {
		return ScopeChat
	}
	return ScopeGlobal
}

// rankEvents orders events newest-first, breaking ties by keyword overlap
// with the query (more shared keywords sorts earlier).
func rankEvents(events []Event, keywords map[string]bool) []Event {
	ranked := append([]Event(nil), events...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if !ranked[i].Timestamp.Equal(ranked[j].Timestamp) {
			return ranked[i].Timestamp.After(ranked[j].Timestamp)
		}
		return overlap(ranked[i].Text, keywords) > overlap(ranked[j].Text, keywords)
	})
	return ranked
}

func keywordsOf(query string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) >= 3 {
			out[w] = true
		}
	}
	return out
}

func overlap(text string, keywords map[string]bool) int {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	count := 0
	for kw := range keywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count
}

