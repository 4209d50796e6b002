package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/kikitori/internal/repository"
)

const (
	auditQueueSize    = 256
	auditWriteTimeout = 5 * time.Second
)

type auditJob struct {
	op  string
	run func(ctx context.Context, repo repository.SessionRepository) error
}

// auditQueue applies lifecycle writes in order on a single goroutine so the caller never waits on the database.
type auditQueue struct {
	repo repository.SessionRepository

	mu     sync.Mutex
	closed bool
	jobs   chan auditJob
	done   chan struct{}
}

func newAuditQueue(repo repository.SessionRepository) *auditQueue {
	q := &auditQueue{
		repo: repo,
		jobs: make(chan auditJob, auditQueueSize),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *auditQueue) enqueue(op string, run func(ctx context.Context, repo repository.SessionRepository) error) {
	if q.repo == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.jobs <- auditJob{op: op, run: run}:
	default:
		slog.Warn("audit queue full; dropping write", "op", op)
	}
}

func (q *auditQueue) loop() {
	defer close(q.done)
	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := job.run(ctx, q.repo); err != nil {
			slog.Warn("audit write failed", "op", job.op, "error", err)
		}
		cancel()
	}
}

func (q *auditQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
