package transcriber

import (
	"context"
	"time"

	"github.com/foxseedlab/kikitori/internal/audio"
)

type StreamConfig struct {
	SessionUUID string
	CustomerID  string
	StreamID    string
	Audio       audio.Output
	Language    string
}

// Line is a finalized, speaker-labeled piece of transcript.
type Line struct {
	Speaker int
	Text    string
	Begin   time.Duration
	End     time.Duration
}

// Result carries newly finalized lines plus transient buffer text.
// Buffer text is display-only and is replaced by the next result.
type Result struct {
	Lines               []Line
	BufferTranscription string
	BufferDiarization   string
}

type StreamWriter interface {
	Write(chunk []byte) error
	// Close ends the audio input. Results already in flight are still delivered, followed by OnComplete.
	Close() error
}

type ResultReceiver interface {
	OnResult(result Result)
	OnError(err error)
	OnComplete()
}

type Transcriber interface {
	StartStreaming(ctx context.Context, cfg StreamConfig, receiver ResultReceiver) (StreamWriter, error)
}
