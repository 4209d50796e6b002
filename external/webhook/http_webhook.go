package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/foxseedlab/kikitori/internal/webhook"
)

const maxResponseBodyBytes = 64 << 10

type HTTPSender struct {
	eventURL string
	client   *http.Client
}

func NewHTTPSender(eventURL string) webhook.Sender {
	return &HTTPSender{
		eventURL: eventURL,
		client:   &http.Client{},
	}
}

func (s *HTTPSender) SendEvent(ctx context.Context, payload webhook.EventPayload) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.eventURL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return nil, &webhook.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", webhook.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", webhook.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", webhook.ErrUnreachable, err)
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
