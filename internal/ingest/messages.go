package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/foxseedlab/kikitori/internal/transcriber"
)

const (
	typeStreamStart   = "audio_stream_start"
	typeChunkMeta     = "audio_chunk_meta"
	typeStreamStop    = "audio_stream_stop"
	typeStreamReady   = "audio_stream_ready"
	typeReadyToStop   = "ready_to_stop"
	typeStreamStopped = "audio_stream_stopped"
	typeError         = "error"

	messageStreamReady   = "Audio stream initialized successfully"
	messageStreamStopped = "Audio stream stopped successfully"

	defaultStopReason    = "user_stopped"
	disconnectStopReason = "connection_closed"
	shutdownStopReason   = "server_shutdown"
)

type ErrorCode string

const (
	CodeMissingField      ErrorCode = "missing_field"
	CodeInvalidField      ErrorCode = "invalid_field"
	CodeInvalidJSON       ErrorCode = "invalid_json"
	CodeUnknownType       ErrorCode = "unknown_type"
	CodeUnknownStream     ErrorCode = "unknown_stream"
	CodeStreamNotStarted  ErrorCode = "stream_not_started"
	CodeDuplicateStream   ErrorCode = "duplicate_stream"
	CodeUnexpectedBinary  ErrorCode = "unexpected_binary"
	CodeUnsupportedCodec  ErrorCode = "unsupported_codec"
	CodeDecodeFailed      ErrorCode = "decode_failed"
	CodeEngineUnavailable ErrorCode = "engine_unavailable"
)

// ProtocolError is reported to the client as an error frame. The connection stays open.
type ProtocolError struct {
	Code    ErrorCode
	Field   string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type chunkMeta struct {
	SessionUUID    string   `json:"session_uuid"`
	CustomerID     string   `json:"customer_id"`
	StreamID       string   `json:"stream_id"`
	Seq            *int64   `json:"seq"`
	TS             *float64 `json:"ts"`
	DurationMsHint *int     `json:"duration_ms_hint"`
}

type stopRequest struct {
	SessionUUID string `json:"session_uuid"`
	CustomerID  string `json:"customer_id"`
	StreamID    string `json:"stream_id"`
	Reason      string `json:"reason"`
}

type streamNotice struct {
	Type string           `json:"type"`
	Data streamNoticeData `json:"data"`
}

type streamNoticeData struct {
	session.StreamKey
	Message string `json:"message,omitempty"`
}

func newStreamNotice(typ string, key session.StreamKey, message string) streamNotice {
	return streamNotice{Type: typ, Data: streamNoticeData{StreamKey: key, Message: message}}
}

type errorMessage struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

type updateLine struct {
	Speaker int    `json:"speaker"`
	Text    string `json:"text"`
	Beg     string `json:"beg"`
	End     string `json:"end"`
}

// transcriptionUpdate carries no type field; clients recognize it by lines.
type transcriptionUpdate struct {
	Lines               []updateLine `json:"lines"`
	BufferTranscription string       `json:"buffer_transcription"`
	BufferDiarization   string       `json:"buffer_diarization"`
	session.StreamKey
	Timestamp float64 `json:"timestamp"`
}

func newTranscriptionUpdate(key session.StreamKey, res transcriber.Result, at time.Time) transcriptionUpdate {
	lines := make([]updateLine, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, updateLine{
			Speaker: l.Speaker,
			Text:    l.Text,
			Beg:     formatOffset(l.Begin),
			End:     formatOffset(l.End),
		})
	}
	return transcriptionUpdate{
		Lines:               lines,
		BufferTranscription: res.BufferTranscription,
		BufferDiarization:   res.BufferDiarization,
		StreamKey:           key,
		Timestamp:           float64(at.UnixNano()) / float64(time.Second),
	}
}

// formatOffset renders a stream offset as H:MM:SS.
func formatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
