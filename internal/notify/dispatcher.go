package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/foxseedlab/kikitori/internal/webhook"
	"golang.org/x/sync/semaphore"
)

const (
	EventSessionEnd = "SESSION_END"

	auditWriteTimeout = 5 * time.Second
)

type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeConnectionError Outcome = "connection_error"
	OutcomeHTTPError       Outcome = "http_error"
	OutcomeFailed          Outcome = "failed"
)

// Request is one experience event call. SessionUUID is carried for log context only.
type Request struct {
	SessionUUID string
	CustomerID  string
	Event       string
}

type Result struct {
	Request    Request
	Outcome    Outcome
	StatusCode int
	Body       string
	Err        error
	Latency    time.Duration
}

type Options struct {
	Timeout     time.Duration
	MaxInFlight int64
}

// Dispatcher sends experience events in the background. Each request is attempted once.
type Dispatcher struct {
	sender  webhook.Sender
	repo    repository.DispatchRepository
	timeout time.Duration
	slots   *semaphore.Weighted

	// mu orders wg.Add against Shutdown's Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// onResult observes finished dispatches; tests hook it.
	onResult func(Result)
}

func NewDispatcher(sender webhook.Sender, repo repository.DispatchRepository, opts Options) *Dispatcher {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	return &Dispatcher{
		sender:  sender,
		repo:    repo,
		timeout: opts.Timeout,
		slots:   semaphore.NewWeighted(opts.MaxInFlight),
	}
}

// Dispatch returns immediately. The call, and any wait for a free slot, happen in a new goroutine.
// Requests arriving after Shutdown are logged and dropped.
func (d *Dispatcher) Dispatch(req Request) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		slog.Error("experience event dropped after shutdown",
			"session_uuid", req.SessionUUID,
			"customer_id", req.CustomerID,
			"event", req.Event)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		d.run(req)
	}()
}

func (d *Dispatcher) run(req Request) {
	if err := d.slots.Acquire(context.Background(), 1); err != nil {
		slog.Error("failed to acquire dispatch slot", "error", err, "customer_id", req.CustomerID, "event", req.Event)
		return
	}
	defer d.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	started := time.Now()
	body, err := d.sender.SendEvent(ctx, webhook.EventPayload{UUID: req.CustomerID, Event: req.Event})
	res := classify(req, body, err)
	res.Latency = time.Since(started)

	logResult(res)
	d.record(res, started)
	if d.onResult != nil {
		d.onResult(res)
	}
}

func classify(req Request, body []byte, err error) Result {
	res := Result{Request: req, Err: err}
	var statusErr *webhook.StatusError
	switch {
	case err == nil:
		res.Outcome = OutcomeSuccess
		res.Body = string(body)
	case errors.Is(err, webhook.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeTimeout
	case errors.As(err, &statusErr):
		res.Outcome = OutcomeHTTPError
		res.StatusCode = statusErr.StatusCode
		res.Body = statusErr.Body
	case errors.Is(err, webhook.ErrUnreachable):
		res.Outcome = OutcomeConnectionError
	default:
		res.Outcome = OutcomeFailed
	}
	return res
}

func logResult(res Result) {
	attrs := []any{
		"session_uuid", res.Request.SessionUUID,
		"customer_id", res.Request.CustomerID,
		"event", res.Request.Event,
		"outcome", string(res.Outcome),
		"latency_ms", res.Latency.Milliseconds(),
	}
	switch res.Outcome {
	case OutcomeSuccess:
		slog.Info("experience event delivered", append(attrs, "response_body", res.Body)...)
	case OutcomeHTTPError:
		slog.Error("experience event rejected", append(attrs, "status_code", res.StatusCode, "response_body", res.Body)...)
	default:
		slog.Error("experience event failed", append(attrs, "error", res.Err)...)
	}
}

func (d *Dispatcher) record(res Result, started time.Time) {
	if d.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := d.repo.InsertDispatch(ctx, repository.DispatchRecord{
		SessionUUID:  res.Request.SessionUUID,
		CustomerID:   res.Request.CustomerID,
		Event:        res.Request.Event,
		Outcome:      string(res.Outcome),
		StatusCode:   res.StatusCode,
		LatencyMs:    res.Latency.Milliseconds(),
		DispatchedAt: started,
	}); err != nil {
		slog.Warn("failed to record dispatch", "error", err, "customer_id", res.Request.CustomerID, "event", res.Request.Event)
	}
}

// Shutdown waits for dispatches already issued, or until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
