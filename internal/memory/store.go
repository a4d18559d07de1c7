package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DigestMarkerOpen and DigestMarkerClose delimit the automatically
// generated section of memory.md so curate() can rebuild it in place
// without clobbering text a human wrote around it.
const (
	DigestMarkerOpen  = "<!-- goclaw-dispatch:auto-begin -->"
	DigestMarkerClose = "<!-- goclaw-dispatch:auto-end -->"
)

// CurationState records the outcome of the last curate() call.
type CurationState struct {
	EventsProcessed int       `json:"eventsProcessed"`
	Bytes           int       `json:"bytes"`
	LastCuratedAt   time.Time `json:"lastCuratedAt"`
}

// Store is the three-tier memory backend: per-thread JSONL append logs
// under dir/threads, a curated digest at dir/../memory.md (one directory
// up, alongside soul.md/tools.md per §6), and curation state at
// dir/state.json.
type Store struct {
	dir       string // .../memory
	digestMD  string // .../memory.md
	statePath string // .../memory/state.json

	mu     sync.Mutex
	cache  map[string][]Event // threadKey -> events, lazily loaded
	loaded map[string]bool
}

// NewStore opens (creating as needed) the memory store rooted at
// configDir/memory, with the digest file at configDir/memory.md.
func NewStore(configDir string) (*Store, error) {
	dir := filepath.Join(configDir, "memory")
	threadsDir := filepath.Join(dir, "threads")
	if err := os.MkdirAll(threadsDir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		dir:       dir,
		digestMD:  filepath.Join(configDir, "memory.md"),
		statePath: filepath.Join(dir, "state.json"),
		cache:     map[string][]Event{},
		loaded:    map[string]bool{},
	}, nil
}

func (s *Store) threadPath(threadKey string) string {
	return filepath.Join(s.dir, "threads", sanitize(threadKey)+".jsonl")
}

func sanitize(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

// AppendEvent appends ev to its thread's log. Fail-soft: I/O failures are
// logged and never returned to the caller (spec §4.C: "must never block
// the caller").
func (s *Store) AppendEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("memory: marshal event failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.threadPath(ev.ThreadKey), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("memory: open thread log failed", "thread", ev.ThreadKey, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("memory: append event failed", "thread", ev.ThreadKey, "error", err)
		return
	}

	s.cache[ev.ThreadKey] = append(s.loadLocked(ev.ThreadKey), ev)
}

// loadLocked returns the cached events for threadKey, reading the JSONL
// file from disk on first access. Caller must hold s.mu.
func (s *Store) loadLocked(threadKey string) []Event {
	if s.loaded[threadKey] {
		return s.cache[threadKey]
	}
	s.loaded[threadKey] = true

	f, err := os.Open(s.threadPath(threadKey))
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	s.cache[threadKey] = events
	return events
}

func (s *Store) events(threadKey string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.loadLocked(threadKey)...)
}

// allThreadKeys lists every thread key with an on-disk log, recovering each
// key from its file name by mapping the first two underscores back to the
// colons sanitize replaced.
func (s *Store) allThreadKeys() []string {
	entries, err := os.ReadDir(filepath.Join(s.dir, "threads"))
	if err != nil {
		return nil
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		keys = append(keys, strings.Replace(strings.TrimSuffix(e.Name(), ".jsonl"), "_", ":", 2))
	}
	return keys
}

// Tail returns the most recent limit events for threadKey, in chronological
// (oldest-first) order.
func (s *Store) Tail(threadKey string, limit int) []Event {
	all := s.events(threadKey)
	if limit <= 0 || limit >= len(all) {
		return all
	}
	return append([]Event(nil), all[len(all)-limit:]...)
}

// Bootstrap formats the most recent limit events for threadKey as a
// compact preamble suitable for prepending to a prompt.
func (s *Store) Bootstrap(threadKey string, limit int) string {
	events := s.Tail(threadKey, limit)
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%s: %s\n", roleLabel(ev.Role), ev.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func roleLabel(role string) string {
	if role == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// CurateOptions configures one curate() call.
type CurateOptions struct {
	MaxBytes int // digest auto-section size cap
}

// Curate rebuilds the auto section of memory.md from the most recent
// events across every thread, preserving any manually authored text
// outside the markers verbatim. Threads are merged by recency; the digest
// is a flat recent-activity summary, not a per-thread breakdown, since the
// spec describes curation as operating over "the union of recent events
// across threads" (§3).
func (s *Store) Curate(opts CurateOptions) (CurationState, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 8000
	}

	var all []Event
	for _, key := range s.allThreadKeys() {
		all = append(all, s.events(key)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	var b strings.Builder
	processed := 0
	for i := len(all) - 1; i >= 0 && b.Len() < maxBytes; i-- {
		ev := all[i]
		line := fmt.Sprintf("- [%s] %s (%s/%s): %s\n",
			ev.Timestamp.Format(time.RFC3339), roleLabel(ev.Role), ev.ChatID, ev.TopicID, ev.Text)
		b.WriteString(line)
		processed++
	}
	auto := reverseLines(b.String())
	if len(auto) > maxBytes {
		auto = auto[:maxBytes]
	}

	if err := s.writeDigest(auto); err != nil {
		return CurationState{}, err
	}

	state := CurationState{EventsProcessed: processed, Bytes: len(auto), LastCuratedAt: time.Now()}
	if err := s.saveCurationState(state); err != nil {
		slog.Warn("memory: persist curation state failed", "error", err)
	}
	return state, nil
}

// reverseLines restores chronological order after Curate built its buffer
// newest-first.
func reverseLines(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// writeDigest rewrites only the marker-delimited auto section of memory.md,
// preserving manual content before and after it verbatim.
func (s *Store) writeDigest(auto string) error {
	existing, err := os.ReadFile(s.digestMD)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	before, after := splitDigest(string(existing))

	var b strings.Builder
	b.WriteString(before)
	if before != "" && !strings.HasSuffix(before, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(DigestMarkerOpen)
	b.WriteString("\n")
	b.WriteString(auto)
	b.WriteString("\n")
	b.WriteString(DigestMarkerClose)
	b.WriteString("\n")
	b.WriteString(after)

	return atomicWriteFile(s.digestMD, []byte(b.String()), 0o644)
}

// splitDigest separates the manual before/after text surrounding the
// marker-delimited auto section. If no markers are present, the entire
// existing content is treated as "before" (preserved ahead of the new
// auto section) so a hand-authored memory.md is never destroyed on first
// curate().
func splitDigest(content string) (before, after string) {
	openIdx := strings.Index(content, DigestMarkerOpen)
	closeIdx := strings.Index(content, DigestMarkerClose)
	if openIdx < 0 || closeIdx < 0 || closeIdx < openIdx {
		return content, ""
	}
	before = content[:openIdx]
	after = content[closeIdx+len(DigestMarkerClose):]
	after = strings.TrimPrefix(after, "\n")
	return before, after
}

// ReadDigest returns the full current memory.md content (manual + auto
// sections), or "" if it does not exist yet.
func (s *Store) ReadDigest() string {
	data, err := os.ReadFile(s.digestMD)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Store) saveCurationState(state CurationState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(s.statePath, data, 0o644)
}

// LoadCurationState reads the last-persisted curation state, returning the
// zero value if none exists yet.
func (s *Store) LoadCurationState() CurationState {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return CurationState{}
	}
	var state CurationState
	if err := json.Unmarshal(data, &state); err != nil {
		return CurationState{}
	}
	return state
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "memory-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
