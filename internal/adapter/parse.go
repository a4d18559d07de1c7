package adapter

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// lineJSONEvent is the wire shape shared by the line-delimited-JSON-stream
// adapters (Component A's first parse style). An adapter emits a sequence
// of these, one complete object at a time, on stdout.
type lineJSONEvent struct {
	Event        string `json:"event"`
	SessionID    string `json:"session_id,omitempty"`
	Channel      string `json:"channel,omitempty"` // "intermediate" or "final"
	Text         string `json:"text,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// ParseLineDelimitedJSON decodes a sequence of complete JSON objects from
// raw, one at a time, and reduces them to a single ParsedOutput: the first
// session_started event supplies SessionID; among message events, the
// "final" channel wins over intermediate ones, falling back to the last
// message seen when no event carries a channel discriminator.
func ParseLineDelimitedJSON(raw []byte) (ParsedOutput, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	var (
		out         ParsedOutput
		lastText    string
		haveLast    bool
		haveFinal   bool
		haveUsage   bool
		usage       Usage
		cost        float64
	)

	for {
		var ev lineJSONEvent
		if err := dec.Decode(&ev); err != nil {
			break
		}
		out.SawJSON = true

		switch ev.Event {
		case "session_started":
			if out.SessionID == "" {
				out.SessionID = ev.SessionID
			}
		case "message":
			lastText = ev.Text
			haveLast = true
			if ev.Channel == "final" {
				out.Text = ev.Text
				haveFinal = true
			}
		case "usage":
			usage.InputTokens = ev.InputTokens
			usage.OutputTokens = ev.OutputTokens
			cost = ev.CostUSD
			haveUsage = true
		}
	}

	if !haveFinal && haveLast {
		out.Text = lastText
	}
	if haveUsage {
		out.Usage = &usage
		out.CostUSD = cost
	}
	return out, nil
}

// envelope is the wire shape for the single-JSON-envelope parse style.
type envelope struct {
	SessionID string  `json:"session_id,omitempty"`
	Text      string  `json:"text,omitempty"`
	Usage     *Usage  `json:"usage,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

var (
	ansiEscape   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	controlBytes = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	uuidPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// stripControlSequences removes terminal escape/control sequences an agent
// may have written to stdout (progress spinners, cursor moves) before the
// final JSON envelope.
func stripControlSequences(raw []byte) string {
	s := ansiEscape.ReplaceAllString(string(raw), "")
	s = controlBytes.ReplaceAllString(s, "")
	return s
}

// ParseEnvelope parses raw as a single JSON envelope, tolerating leading
// terminal noise: it first tries the whole trimmed, control-stripped
// output, then falls back to scanning lines from the bottom for the last
// one that parses as a JSON object. SessionID is only honored when it is a
// well-formed UUID; anything else is treated as the agent not reporting one.
func ParseEnvelope(raw []byte) (ParsedOutput, error) {
	cleaned := strings.TrimSpace(stripControlSequences(raw))

	var env envelope
	if err := json.Unmarshal([]byte(cleaned), &env); err == nil {
		return envelopeResult(env, true), nil
	}

	lines := strings.Split(cleaned, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var e envelope
		if err := json.Unmarshal([]byte(line), &e); err == nil {
			return envelopeResult(e, true), nil
		}
	}

	return ParsedOutput{Text: cleaned, SawJSON: false}, nil
}

func envelopeResult(env envelope, sawJSON bool) ParsedOutput {
	out := ParsedOutput{
		Text:    env.Text,
		SawJSON: sawJSON,
		Usage:   env.Usage,
		CostUSD: env.CostUSD,
	}
	if uuidPattern.MatchString(env.SessionID) {
		out.SessionID = env.SessionID
	}
	return out
}

// ParsePlainText returns the trimmed output unchanged; it never extracts a
// session id.
func ParsePlainText(raw []byte) (ParsedOutput, error) {
	return ParsedOutput{Text: strings.TrimSpace(string(raw))}, nil
}

// stalePhrases signal "session not found / expired" in an agent's plain-text
// error output. Matching is a last-resort fallback (§9 Design Notes prefers
// structured per-adapter recovery hooks where available).
var stalePhrases = []string{
	"no conversation found with session id",
	"session not found",
	"unknown session id",
	"session has expired",
	"could not find session",
	"invalid session id",
}

// IsStaleSession reports whether output contains a phrase signalling that
// the agent no longer recognizes the session id it was given.
func IsStaleSession(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range stalePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
