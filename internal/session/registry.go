package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/kikitori/internal/keyword"
	"github.com/foxseedlab/kikitori/internal/notify"
	"github.com/foxseedlab/kikitori/internal/repository"
)

type EventDispatcher interface {
	Dispatch(req notify.Request)
}

// Line is one finalized transcription line for a stream.
type Line struct {
	Speaker int
	Text    string
}

type StreamStats struct {
	Key       StreamKey
	Params    StreamParams
	StartedAt time.Time
	Chunks    int64
	Bytes     int64
	Gaps      int64
	Expected  int64
}

type StopResult struct {
	Stream         StreamStats
	CustomerClosed bool
	SessionClosed  bool
}

type Stats struct {
	Sessions  int `json:"sessions"`
	Customers int `json:"customers"`
	Streams   int `json:"streams"`
}

// Registry owns every session, customer context and stream known to the server.
// mu guards the maps; each customer's mu guards its transcript, fired set and stream counters.
type Registry struct {
	detector   *keyword.Detector
	dispatcher EventDispatcher
	audit      *auditQueue
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	uuid      string
	openedAt  time.Time
	customers map[string]*customerContext
}

type customerContext struct {
	sessionUUID string
	customerID  string
	openedAt    time.Time
	streams     map[string]*streamState

	mu         sync.Mutex
	closing    bool
	transcript Transcript
	fired      *keyword.FiredSet
}

type streamState struct {
	key       StreamKey
	params    StreamParams
	startedAt time.Time
	seq       SequenceTracker
	chunks    int64
	bytes     int64
	gaps      int64
}

func NewRegistry(detector *keyword.Detector, dispatcher EventDispatcher, repo repository.SessionRepository) *Registry {
	return &Registry{
		detector:   detector,
		dispatcher: dispatcher,
		audit:      newAuditQueue(repo),
		now:        time.Now,
		sessions:   make(map[string]*sessionState),
	}
}

// StartStream validates req and registers its stream, creating the session and customer as needed.
// Nothing is created when validation fails.
func (r *Registry) StartStream(req StartRequest) (StreamKey, error) {
	if err := req.Prepare(); err != nil {
		return StreamKey{}, err
	}
	key := req.Key()
	now := r.now()

	r.mu.Lock()
	s, ok := r.sessions[key.SessionUUID]
	if ok && s.hasStream(key.StreamID) {
		r.mu.Unlock()
		return StreamKey{}, ErrDuplicateStream
	}
	newSession := !ok
	if newSession {
		s = &sessionState{uuid: key.SessionUUID, openedAt: now, customers: make(map[string]*customerContext)}
		r.sessions[key.SessionUUID] = s
	}
	c, ok := s.customers[key.CustomerID]
	newCustomer := !ok
	if newCustomer {
		c = &customerContext{
			sessionUUID: key.SessionUUID,
			customerID:  key.CustomerID,
			openedAt:    now,
			streams:     make(map[string]*streamState),
			fired:       keyword.NewFiredSet(),
		}
		s.customers[key.CustomerID] = c
	}
	c.streams[key.StreamID] = &streamState{key: key, params: req.params(), startedAt: now}
	r.mu.Unlock()

	if newSession {
		slog.Info("session opened", "session_uuid", key.SessionUUID)
	}
	if newCustomer {
		slog.Info("customer context opened", "session_uuid", key.SessionUUID, "customer_id", key.CustomerID)
		r.audit.enqueue("open customer", func(ctx context.Context, repo repository.SessionRepository) error {
			return repo.OpenCustomer(ctx, repository.OpenCustomerInput{
				SessionUUID: key.SessionUUID,
				CustomerID:  key.CustomerID,
				OpenedAt:    now,
			})
		})
	}
	slog.Info("stream registered",
		"session_uuid", key.SessionUUID,
		"customer_id", key.CustomerID,
		"stream_id", key.StreamID,
		"codec", req.Codec,
		"sample_rate", *req.SampleRate,
		"channels", *req.Channels,
		"timeslice_ms", *req.TimesliceMs,
		"metadata", req.Metadata)
	return key, nil
}

// ObserveChunk runs sequence bookkeeping for one chunk. A gap is logged and reported, never rejected.
func (r *Registry) ObserveChunk(key StreamKey, seq int64, size int) (SequenceResult, error) {
	c, st, err := r.lookup(key)
	if err != nil {
		return SequenceResult{}, err
	}
	c.mu.Lock()
	res := st.seq.Observe(seq)
	st.chunks++
	st.bytes += int64(size)
	if res.Gap {
		st.gaps++
	}
	c.mu.Unlock()

	if res.Gap {
		slog.Warn("chunk sequence mismatch",
			"session_uuid", key.SessionUUID,
			"customer_id", key.CustomerID,
			"stream_id", key.StreamID,
			"expected", res.Expected,
			"got", res.Got)
	}
	return res, nil
}

// CountChunk records a chunk that arrived without sequence metadata.
func (r *Registry) CountChunk(key StreamKey, size int) error {
	c, st, err := r.lookup(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	st.chunks++
	st.bytes += int64(size)
	c.mu.Unlock()
	return nil
}

// HandleFinalLines appends finalized lines to the customer's transcript and dispatches newly fired keyword events.
// It returns the events fired by this call.
func (r *Registry) HandleFinalLines(key StreamKey, lines []Line) ([]string, error) {
	c, _, err := r.lookup(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, ErrUnknownStream
	}
	now := r.now()
	var fired []string
	for _, l := range lines {
		text := strings.TrimSpace(l.Text)
		if text == "" {
			continue
		}
		c.transcript.Append(Segment{Speaker: l.Speaker, Text: text, StreamID: key.StreamID, At: now})
		slog.Info("transcript line",
			"session_uuid", key.SessionUUID,
			"customer_id", key.CustomerID,
			"stream_id", key.StreamID,
			"speaker", l.Speaker,
			"text", text)
		for event := range r.detector.Check(c.fired, text) {
			slog.Info("keyword detected",
				"session_uuid", key.SessionUUID,
				"customer_id", key.CustomerID,
				"stream_id", key.StreamID,
				"event", event)
			r.dispatcher.Dispatch(notify.Request{SessionUUID: key.SessionUUID, CustomerID: key.CustomerID, Event: event})
			fired = append(fired, event)
		}
	}
	return fired, nil
}

// StopStream unregisters a stream. Removing a customer's last stream closes the customer context and sends
// SESSION_END; removing a session's last customer removes the session.
func (r *Registry) StopStream(key StreamKey, reason string) (StopResult, error) {
	r.mu.Lock()
	s, ok := r.sessions[key.SessionUUID]
	if !ok {
		r.mu.Unlock()
		return StopResult{}, ErrUnknownStream
	}
	c, ok := s.customers[key.CustomerID]
	if !ok {
		r.mu.Unlock()
		return StopResult{}, ErrUnknownStream
	}
	st, ok := c.streams[key.StreamID]
	if !ok {
		r.mu.Unlock()
		return StopResult{}, ErrUnknownStream
	}
	delete(c.streams, key.StreamID)
	var res StopResult
	if len(c.streams) == 0 {
		delete(s.customers, key.CustomerID)
		res.CustomerClosed = true
		if len(s.customers) == 0 {
			delete(r.sessions, key.SessionUUID)
			res.SessionClosed = true
		}
	}
	r.mu.Unlock()

	c.mu.Lock()
	res.Stream = st.stats()
	c.mu.Unlock()
	slog.Info("stream stopped",
		"session_uuid", key.SessionUUID,
		"customer_id", key.CustomerID,
		"stream_id", key.StreamID,
		"reason", reason,
		"chunks", res.Stream.Chunks,
		"bytes", res.Stream.Bytes,
		"sequence_gaps", res.Stream.Gaps)

	if res.CustomerClosed {
		r.closeCustomer(c, reason)
	}
	if res.SessionClosed {
		closedAt := r.now()
		slog.Info("session closed", "session_uuid", key.SessionUUID, "duration_seconds", int64(closedAt.Sub(s.openedAt).Seconds()))
		r.audit.enqueue("close session", func(ctx context.Context, repo repository.SessionRepository) error {
			return repo.CloseSession(ctx, repository.CloseSessionInput{SessionUUID: key.SessionUUID, ClosedAt: closedAt})
		})
	}
	return res, nil
}

func (r *Registry) closeCustomer(c *customerContext, reason string) {
	c.mu.Lock()
	c.closing = true
	full := c.transcript.Text()
	rendered := c.transcript.Render(c.openedAt)
	segmentCount := c.transcript.Len()
	fired := c.fired.Snapshot()
	r.dispatcher.Dispatch(notify.Request{SessionUUID: c.sessionUUID, CustomerID: c.customerID, Event: notify.EventSessionEnd})
	c.transcript = Transcript{}
	c.mu.Unlock()

	closedAt := r.now()
	slog.Info("customer context closed",
		"session_uuid", c.sessionUUID,
		"customer_id", c.customerID,
		"reason", reason,
		"segment_count", segmentCount,
		"fired_events", fired,
		"full_transcript", full)
	slog.Debug("customer transcript", "session_uuid", c.sessionUUID, "customer_id", c.customerID, "transcript", rendered)
	r.audit.enqueue("close customer", func(ctx context.Context, repo repository.SessionRepository) error {
		return repo.CloseCustomer(ctx, repository.CloseCustomerInput{
			SessionUUID:  c.sessionUUID,
			CustomerID:   c.customerID,
			ClosedAt:     closedAt,
			SegmentCount: segmentCount,
			FiredEvents:  fired,
		})
	})
}

func (r *Registry) HasStream(key StreamKey) bool {
	_, _, err := r.lookup(key)
	return err == nil
}

// SessionHasStream reports whether streamID is registered under any customer of the session.
func (r *Registry) SessionHasStream(sessionUUID, streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionUUID]
	return ok && s.hasStream(streamID)
}

func (r *Registry) StreamStats(key StreamKey) (StreamStats, bool) {
	c, st, err := r.lookup(key)
	if err != nil {
		return StreamStats{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.stats(), true
}

// Customers lists the customer ids currently open in a session.
func (r *Registry) Customers(sessionUUID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionUUID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.customers))
	for id := range s.customers {
		out = append(out, id)
	}
	return out
}

// Transcript returns the full transcript text of an open customer context.
func (r *Registry) Transcript(sessionUUID, customerID string) (string, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionUUID]
	var c *customerContext
	if ok {
		c, ok = s.customers[customerID]
	}
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Text(), true
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st Stats
	st.Sessions = len(r.sessions)
	for _, s := range r.sessions {
		st.Customers += len(s.customers)
		for _, c := range s.customers {
			st.Streams += len(c.streams)
		}
	}
	return st
}

// Close flushes pending audit writes.
func (r *Registry) Close(ctx context.Context) error {
	return r.audit.close(ctx)
}

func (r *Registry) lookup(key StreamKey) (*customerContext, *streamState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key.SessionUUID]
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	c, ok := s.customers[key.CustomerID]
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	st, ok := c.streams[key.StreamID]
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	return c, st, nil
}

func (s *sessionState) hasStream(streamID string) bool {
	for _, c := range s.customers {
		if _, ok := c.streams[streamID]; ok {
			return true
		}
	}
	return false
}

func (st *streamState) stats() StreamStats {
	return StreamStats{
		Key:       st.key,
		Params:    st.params,
		StartedAt: st.startedAt,
		Chunks:    st.chunks,
		Bytes:     st.bytes,
		Gaps:      st.gaps,
		Expected:  st.seq.Expected(),
	}
}
