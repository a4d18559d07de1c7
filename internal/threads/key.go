// Package threads maps conversation threads to the session id an agent
// adapter assigned them, grounded on goclaw's internal/sessions key
// algebra but narrowed to the three fields the dispatcher actually scopes
// sessions by: chat, topic, agent.
//
// Thread keys are a canonical string:
//
//	{chatId}:{topicId}:{agentId}
//
// topicId is optional upstream; missing topics collapse to the sentinel
// RootTopic so every chat has at least one addressable thread.
package threads

import (
	"fmt"
	"strings"
)

// RootTopic is the sentinel topic id used when a chat has no forum topics.
const RootTopic = "root"

// Key is the canonical three-field thread key.
type Key struct {
	ChatID  string
	TopicID string
	AgentID string
}

// NormalizeTopic maps an empty topic id to the root sentinel.
func NormalizeTopic(topicID string) string {
	if topicID == "" {
		return RootTopic
	}
	return topicID
}

// Build constructs the canonical thread key string for (chat, topic, agent).
func Build(chatID, topicID, agentID string) string {
	return fmt.Sprintf("%s:%s:%s", chatID, NormalizeTopic(topicID), agentID)
}

// TopicKey constructs the coarser queue/rate-limit key (chat, topic) that
// ignores agent identity — several agents on the same topic still share one
// FIFO lane.
func TopicKey(chatID, topicID string) string {
	return fmt.Sprintf("%s:%s", chatID, NormalizeTopic(topicID))
}

// Parse splits a canonical three-field key back into its parts. ok is false
// if the key is not in three-field form.
func Parse(key string) (k Key, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return Key{}, false
	}
	return Key{ChatID: parts[0], TopicID: parts[1], AgentID: parts[2]}, true
}

// MigrateLegacy upgrades a pre-agent-scoped two-field key
// ({chatId}:{topicId}, implicitly scoped to defaultAgentID) to the
// canonical three-field form. migrated is false when key was already
// three-field or unrecognized (zero value key string untouched).
func MigrateLegacy(key, defaultAgentID string) (migratedKey string, migrated bool) {
	parts := strings.Split(key, ":")
	switch len(parts) {
	case 2:
		return fmt.Sprintf("%s:%s:%s", parts[0], parts[1], defaultAgentID), true
	default:
		return key, false
	}
}
