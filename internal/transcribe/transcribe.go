// Package transcribe defines the speech-to-text collaborator interface
// named by spec §1 as an external, out-of-scope system: the orchestration
// core only needs a narrow contract to turn a downloaded audio file into
// text before it enters the prompt-assembly pipeline.
//
// Grounded on vanducng-goclaw/internal/channels/telegram/stt.go's
// transcribeAudio contract (HTTP proxy call, silent no-op when unconfigured,
// error surfaced otherwise), kept here as an interface only per the
// system prompt's "treated as external collaborator" scoping.
package transcribe

import "context"

// Transcriber turns a downloaded audio file into text.
type Transcriber interface {
	// Transcribe returns the spoken text in filePath, or ("", nil) when
	// transcription is not configured/available — never an error for that
	// case, matching the teacher's silent-skip contract.
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// NoOp is a Transcriber that never transcribes, for deployments with no
// STT backend configured.
type NoOp struct{}

// Transcribe always returns ("", nil).
func (NoOp) Transcribe(ctx context.Context, filePath string) (string, error) {
	return "", nil
}
