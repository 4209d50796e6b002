package ingest

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/foxseedlab/kikitori/internal/transcriber"
)

// streamReceiver attributes engine results to the stream it was created for.
type streamReceiver struct {
	conn    *connection
	key     session.StreamKey
	drained chan struct{}
	once    sync.Once
}

func newStreamReceiver(c *connection, key session.StreamKey) *streamReceiver {
	return &streamReceiver{conn: c, key: key, drained: make(chan struct{})}
}

func (r *streamReceiver) OnResult(res transcriber.Result) {
	// Only finalized lines reach the transcript; buffer text is display-only.
	if len(res.Lines) > 0 {
		lines := make([]session.Line, 0, len(res.Lines))
		for _, l := range res.Lines {
			lines = append(lines, session.Line{Speaker: l.Speaker, Text: l.Text})
		}
		if _, err := r.conn.handler.registry.HandleFinalLines(r.key, lines); err != nil {
			if errors.Is(err, session.ErrUnknownStream) {
				slog.Warn("dropping finalized lines for a stream that is no longer registered",
					"session_uuid", r.key.SessionUUID,
					"customer_id", r.key.CustomerID,
					"stream_id", r.key.StreamID,
					"lines", len(lines))
			} else {
				slog.Error("failed to handle finalized lines", "error", err, "stream_id", r.key.StreamID)
			}
		}
	}
	if res.BufferTranscription != "" || res.BufferDiarization != "" {
		slog.Debug("transcription buffer",
			"session_uuid", r.key.SessionUUID,
			"customer_id", r.key.CustomerID,
			"stream_id", r.key.StreamID,
			"buffer_transcription", res.BufferTranscription,
			"buffer_diarization", res.BufferDiarization)
	}
	r.conn.send(newTranscriptionUpdate(r.key, res, r.conn.handler.now()))
}

func (r *streamReceiver) OnError(err error) {
	slog.Error("transcription stream failed",
		"error", err,
		"connection_id", r.conn.id,
		"session_uuid", r.key.SessionUUID,
		"customer_id", r.key.CustomerID,
		"stream_id", r.key.StreamID)
	r.conn.send(errorMessage{Type: typeError, Code: CodeEngineUnavailable, Field: "stream_id", Message: "transcription stream for " + r.key.StreamID + " failed"})
	r.markDrained()
}

func (r *streamReceiver) OnComplete() {
	slog.Info("transcription stream completed",
		"connection_id", r.conn.id,
		"session_uuid", r.key.SessionUUID,
		"customer_id", r.key.CustomerID,
		"stream_id", r.key.StreamID)
	r.markDrained()
}

func (r *streamReceiver) markDrained() {
	r.once.Do(func() {
		close(r.drained)
	})
}
