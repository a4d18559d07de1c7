package memory

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// compactPreambleCeiling is the fixed upper bound soul/tools text is
// truncated to on a compact (rotated-thread) bootstrap, per spec §4.F
// step 5 ("typically ≈800 characters").
const compactPreambleCeiling = 800

// attachmentTokenPattern strips embedded attachment references (e.g.
// "[image:/path/to/file.jpg]") from captured text before it is persisted,
// so memory events read as conversation, not file plumbing.
var attachmentTokenPattern = regexp.MustCompile(`\[(image|document|audio|voice):[^\]]*\]`)

// Service wraps a Store with event capture, curation scheduling, and
// bootstrap-context assembly (Component G). It holds the static
// soul/tools preambles read once at startup.
type Service struct {
	store *Store

	captureMaxChars int
	curateEvery     int
	curateMaxBytes  int
	tailLimit       int
	retrievalLimit  int

	soul  string
	tools string

	mu      sync.Mutex
	counter int64

	retrievalCache *retrievalCache
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	CaptureMaxChars int
	CurateEvery     int
	CurateMaxBytes  int
	TailLimit       int
	RetrievalLimit  int
	Soul            string
	Tools           string
}

// NewService wraps store with the behavior described in spec §4.G.
func NewService(store *Store, cfg ServiceConfig) *Service {
	return &Service{
		store:           store,
		captureMaxChars: orDefault(cfg.CaptureMaxChars, 4000),
		curateEvery:     orDefault(cfg.CurateEvery, 20),
		curateMaxBytes:  orDefault(cfg.CurateMaxBytes, 8000),
		tailLimit:       orDefault(cfg.TailLimit, 20),
		retrievalLimit:  orDefault(cfg.RetrievalLimit, 8),
		soul:            cfg.Soul,
		tools:           cfg.Tools,
		retrievalCache:  newRetrievalCache(),
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Store returns the underlying Store, for callers (the runner) that need
// direct Tail/Retrieve access beyond what Service wraps.
func (s *Service) Store() *Store { return s.store }

// Capture appends one memory event, stripping attachment tokens and
// truncating to captureMaxChars with an ellipsis. Fail-soft by
// construction (Store.AppendEvent never returns an error to the caller).
// Every curateEvery-th capture triggers an asynchronous curate() call.
func (s *Service) Capture(ev Event) {
	ev.Text = sanitizeCaptureText(ev.Text, s.captureMaxChars)
	s.store.AppendEvent(ev)

	n := atomic.AddInt64(&s.counter, 1)
	if s.curateEvery > 0 && n%int64(s.curateEvery) == 0 {
		go func() {
			if _, err := s.store.Curate(CurateOptions{MaxBytes: s.curateMaxBytes}); err != nil {
				slog.Warn("memory: curate failed", "error", err)
			}
		}()
	}
}

func sanitizeCaptureText(text string, maxChars int) string {
	text = attachmentTokenPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if maxChars > 0 && len([]rune(text)) > maxChars {
		runes := []rune(text)
		text = string(runes[:maxChars]) + "…"
	}
	return text
}

// BootstrapOptions configures one bootstrap assembly.
type BootstrapOptions struct {
	ThreadKey string
	Compact   bool // truncate soul/tools to compactPreambleCeiling
}

// Bootstrap assembles soul, tools, curated memory, and thread-tail
// sections, each wrapped in explicit open/close markers, per spec §4.G. In
// compact mode soul and tools are truncated; memory and tail are not.
func (s *Service) Bootstrap(opts BootstrapOptions) string {
	soul, tools := s.soul, s.tools
	if opts.Compact {
		soul = truncateChars(soul, compactPreambleCeiling)
		tools = truncateChars(tools, compactPreambleCeiling)
	}

	var b strings.Builder
	writeSection(&b, "soul", soul)
	writeSection(&b, "tools", tools)
	writeSection(&b, "memory", s.store.ReadDigest())
	writeSection(&b, "thread-tail", s.store.Bootstrap(opts.ThreadKey, s.tailLimit))
	return strings.TrimSpace(b.String())
}

func writeSection(b *strings.Builder, name, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	fmt.Fprintf(b, "<<%s>>\n%s\n<</%s>>\n\n", name, content, name)
}

func truncateChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// RetrievalLimit exposes the configured retrieval result cap (the number of
// results Retrieve asks the store for).
func (s *Service) RetrievalLimit() int { return s.retrievalLimit }

// Retrieve runs the store's scoped retrieval through a 60-second TTL cache
// keyed by (chatId, topicId, prompt[:200]), per spec §4.F step 6. An empty
// result is cached too (as a sentinel) to suppress repeat queries for a
// prompt that has nothing relevant yet.
func (s *Service) Retrieve(chatID, topicID, agentID, prompt string) string {
	cacheKey := chatID + "\x00" + topicID + "\x00" + truncateChars(prompt, 200)
	if cached, ok := s.retrievalCache.get(cacheKey); ok {
		return cached
	}

	results := s.store.Retrieve(RetrieveQuery{
		Query:   prompt,
		ChatID:  chatID,
		TopicID: topicID,
		AgentID: agentID,
		Limit:   s.retrievalLimit,
	})
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", r.Event.Text)
	}
	formatted := strings.TrimSpace(b.String())
	s.retrievalCache.set(cacheKey, formatted)
	return formatted
}
