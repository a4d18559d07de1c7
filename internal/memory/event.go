// Package memory implements the memory store (Component C) and the memory
// service wrapping it (Component G): an append-only per-thread event log,
// a curated size-bounded digest with a marker-delimited auto section that
// survives manual edits, and scope-ranked retrieval.
//
// Grounded on Qefaraki-picoclaw's pkg/state topic-mapping JSONL/JSON store
// shape (atomic per-line append, one JSON object per line) and
// vanducng-goclaw/internal/agent/loop.go's section-concatenation idiom for
// assembling a system prompt out of discrete persona/context blocks,
// generalized here into explicit open/close markers around each bootstrap
// section.
package memory

import "time"

// Role values for Event.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Kind values for Event.
const (
	KindText     = "text"
	KindCommand  = "command"
	KindAudio    = "audio"
	KindImage    = "image"
	KindDocument = "document"
	KindCron     = "cron"
)

// Event is one immutable append to a thread's memory log.
type Event struct {
	ThreadKey string    `json:"threadKey"`
	ChatID    string    `json:"chatId"`
	TopicID   string    `json:"topicId"`
	AgentID   string    `json:"agentId"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
