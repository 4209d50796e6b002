package webhook

import (
	"context"
	"errors"
	"fmt"
)

// EventPayload is the body accepted by the experience event API.
type EventPayload struct {
	UUID  string `json:"UUID"`
	Event string `json:"EVENT"`
}

var (
	ErrTimeout     = errors.New("experience event request timed out")
	ErrUnreachable = errors.New("experience event endpoint unreachable")
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("experience event endpoint returned status %d", e.StatusCode)
}

type Sender interface {
	// SendEvent posts payload and returns the response body on a 2xx answer.
	SendEvent(ctx context.Context, payload EventPayload) ([]byte, error)
}
