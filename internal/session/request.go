package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownStream   = errors.New("stream is not registered")
	ErrDuplicateStream = errors.New("stream_id is already registered in this session")
)

// ReasonRequired is the FieldError reason for an absent field.
const ReasonRequired = "is required"

// FieldError names the request field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func missingField(name string) *FieldError {
	return &FieldError{Field: name, Reason: ReasonRequired}
}

// StreamKey identifies one stream of one customer in one session.
type StreamKey struct {
	SessionUUID string `json:"session_uuid"`
	CustomerID  string `json:"customer_id"`
	StreamID    string `json:"stream_id"`
}

// StartRequest is the payload of audio_stream_start.
type StartRequest struct {
	SessionUUID string         `json:"session_uuid"`
	CustomerID  string         `json:"customer_id"`
	StreamID    string         `json:"stream_id"`
	Codec       string         `json:"codec"`
	SampleRate  *int           `json:"sample_rate"`
	Channels    *int           `json:"channels"`
	TimesliceMs *int           `json:"timeslice_ms"`
	ClientTS    *float64       `json:"client_ts"`
	Language    string         `json:"language,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Prepare validates r and assigns a session UUID when the client did not send one.
// It is safe to call more than once.
func (r *StartRequest) Prepare() error {
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.StreamID = strings.TrimSpace(r.StreamID)
	r.Codec = strings.TrimSpace(r.Codec)
	r.SessionUUID = strings.TrimSpace(r.SessionUUID)

	switch {
	case r.CustomerID == "":
		return missingField("customer_id")
	case r.StreamID == "":
		return missingField("stream_id")
	case r.Codec == "":
		return missingField("codec")
	case r.SampleRate == nil:
		return missingField("sample_rate")
	case r.Channels == nil:
		return missingField("channels")
	case r.TimesliceMs == nil:
		return missingField("timeslice_ms")
	case r.ClientTS == nil:
		return missingField("client_ts")
	}
	if *r.SampleRate <= 0 {
		return &FieldError{Field: "sample_rate", Reason: "must be positive"}
	}
	if *r.Channels <= 0 {
		return &FieldError{Field: "channels", Reason: "must be positive"}
	}
	if *r.TimesliceMs <= 0 {
		return &FieldError{Field: "timeslice_ms", Reason: "must be positive"}
	}
	if r.SessionUUID == "" {
		r.SessionUUID = uuid.NewString()
	}
	return nil
}

func (r *StartRequest) Key() StreamKey {
	return StreamKey{SessionUUID: r.SessionUUID, CustomerID: r.CustomerID, StreamID: r.StreamID}
}

// StreamParams are the validated audio parameters of a stream.
type StreamParams struct {
	Codec       string
	SampleRate  int
	Channels    int
	TimesliceMs int
	ClientTS    float64
	Language    string
	Metadata    map[string]any
}

func (r *StartRequest) params() StreamParams {
	return StreamParams{
		Codec:       r.Codec,
		SampleRate:  *r.SampleRate,
		Channels:    *r.Channels,
		TimesliceMs: *r.TimesliceMs,
		ClientTS:    *r.ClientTS,
		Language:    r.Language,
		Metadata:    r.Metadata,
	}
}
