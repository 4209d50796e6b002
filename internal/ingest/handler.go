package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/kikitori/internal/audio"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/foxseedlab/kikitori/internal/transcriber"
	"github.com/google/uuid"
)

type Options struct {
	// DrainTimeout bounds how long a stopped stream waits for the engine's remaining results.
	DrainTimeout time.Duration
}

// Handler runs one worker per client connection and routes its frames into the registry.
type Handler struct {
	registry     *session.Registry
	transcriber  transcriber.Transcriber
	newDecoder   audio.DecoderFactory
	drainTimeout time.Duration
	now          func() time.Time

	wg     sync.WaitGroup
	active atomic.Int64
}

func NewHandler(registry *session.Registry, t transcriber.Transcriber, newDecoder audio.DecoderFactory, opts Options) *Handler {
	return &Handler{
		registry:     registry,
		transcriber:  t,
		newDecoder:   newDecoder,
		drainTimeout: opts.DrainTimeout,
		now:          time.Now,
	}
}

// Serve processes frames until the client disconnects or ctx is canceled, then stops every stream
// the connection still owns. It returns once all of them are torn down.
func (h *Handler) Serve(ctx context.Context, conn Conn) {
	h.wg.Add(1)
	defer h.wg.Done()
	h.active.Add(1)
	defer h.active.Add(-1)

	c := &connection{
		id:      uuid.NewString(),
		handler: h,
		conn:    conn,
		streams: make(map[session.StreamKey]*activeStream),
	}
	stopWatch := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopWatch()

	slog.Info("client connected", "connection_id", c.id)
	reason := disconnectStopReason
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				reason = shutdownStopReason
			} else {
				slog.Info("client read ended", "connection_id", c.id, "error", err)
			}
			break
		}
		c.handleFrame(ctx, frame)
	}

	c.stopAll(reason)
	c.finishers.Wait()
	_ = conn.Close()
	slog.Info("client disconnected", "connection_id", c.id, "reason", reason)
}

// ActiveConnections reports how many connections are being served.
func (h *Handler) ActiveConnections() int64 {
	return h.active.Load()
}

// Wait blocks until every Serve call has returned or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for connections: %w", ctx.Err())
	}
}

type activeStream struct {
	key      session.StreamKey
	decoder  audio.Decoder
	writer   transcriber.StreamWriter
	receiver *streamReceiver
	cancel   context.CancelFunc
}

// pendingChunk pairs the next binary frame with its meta. A nil stream marks a frame to discard.
type pendingChunk struct {
	stream *activeStream
	seq    int64
}

// connection state is owned by the Serve goroutine; only finishers and receivers run elsewhere.
type connection struct {
	id      string
	handler *Handler
	conn    Conn

	streams   map[session.StreamKey]*activeStream
	pending   *pendingChunk
	finishers sync.WaitGroup
}

func (c *connection) handleFrame(ctx context.Context, frame Frame) {
	if frame.Binary {
		c.handleBinary(frame.Data)
		return
	}
	if c.pending != nil {
		if c.pending.stream != nil {
			slog.Warn("control message arrived before the audio chunk announced by audio_chunk_meta",
				"connection_id", c.id,
				"stream_id", c.pending.stream.key.StreamID,
				"seq", c.pending.seq)
		}
		c.pending = nil
	}

	var env envelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		c.sendError(&ProtocolError{Code: CodeInvalidJSON, Message: err.Error()})
		return
	}
	switch env.Type {
	case typeStreamStart:
		c.startStream(ctx, env.Data)
	case typeChunkMeta:
		c.acceptChunkMeta(env.Data)
	case typeStreamStop:
		c.requestStop(env.Data)
	case "":
		c.sendError(&ProtocolError{Code: CodeMissingField, Field: "type", Message: "type is required"})
	default:
		c.sendError(&ProtocolError{Code: CodeUnknownType, Field: "type", Message: fmt.Sprintf("unknown message type %q", env.Type)})
	}
}

func (c *connection) startStream(ctx context.Context, data json.RawMessage) {
	var req session.StartRequest
	if err := decodeData(data, &req); err != nil {
		c.sendError(err)
		return
	}
	if err := req.Prepare(); err != nil {
		c.sendError(protocolError(err))
		return
	}
	key := req.Key()
	if c.handler.registry.SessionHasStream(key.SessionUUID, key.StreamID) {
		c.sendError(protocolError(session.ErrDuplicateStream))
		return
	}

	dec, err := c.handler.newDecoder(audio.Format{Codec: req.Codec, SampleRate: *req.SampleRate, Channels: *req.Channels})
	if err != nil {
		slog.Warn("rejecting stream with unsupported codec", "connection_id", c.id, "stream_id", key.StreamID, "codec", req.Codec, "error", err)
		c.sendError(&ProtocolError{Code: CodeUnsupportedCodec, Field: "codec", Message: err.Error()})
		return
	}

	// The engine stream outlives the request context so a stopped stream can drain after disconnect.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &activeStream{key: key, decoder: dec, cancel: cancel}
	s.receiver = newStreamReceiver(c, key)
	writer, err := c.handler.transcriber.StartStreaming(streamCtx, transcriber.StreamConfig{
		SessionUUID: key.SessionUUID,
		CustomerID:  key.CustomerID,
		StreamID:    key.StreamID,
		Audio:       dec.Output(),
		Language:    req.Language,
	}, s.receiver)
	if err != nil {
		cancel()
		dec.Close()
		slog.Error("failed to start transcription stream", "error", err, "connection_id", c.id, "session_uuid", key.SessionUUID, "stream_id", key.StreamID)
		c.sendError(&ProtocolError{Code: CodeEngineUnavailable, Message: "transcription engine is unavailable"})
		return
	}
	s.writer = writer

	if _, err := c.handler.registry.StartStream(req); err != nil {
		_ = writer.Close()
		cancel()
		dec.Close()
		c.sendError(protocolError(err))
		return
	}
	c.streams[key] = s
	c.send(newStreamNotice(typeStreamReady, key, messageStreamReady))
}

func (c *connection) acceptChunkMeta(data json.RawMessage) {
	s, seq, err := c.parseChunkMeta(data)
	if err != nil {
		// The binary frame that follows belongs to the rejected meta and must not reach any stream.
		c.pending = &pendingChunk{}
		c.sendError(err)
		return
	}
	c.pending = &pendingChunk{stream: s, seq: seq}
}

func (c *connection) parseChunkMeta(data json.RawMessage) (*activeStream, int64, error) {
	var meta chunkMeta
	if err := decodeData(data, &meta); err != nil {
		return nil, 0, err
	}
	if meta.Seq == nil {
		return nil, 0, &ProtocolError{Code: CodeMissingField, Field: "seq", Message: "seq is required"}
	}
	s, perr := c.resolve(meta.SessionUUID, meta.CustomerID, meta.StreamID)
	if perr != nil {
		return nil, 0, perr
	}
	return s, *meta.Seq, nil
}

func (c *connection) handleBinary(data []byte) {
	pending := c.pending
	c.pending = nil
	if pending != nil && pending.stream == nil {
		slog.Warn("discarding audio chunk announced by a rejected audio_chunk_meta", "connection_id", c.id, "chunk_bytes", len(data))
		c.sendError(&ProtocolError{Code: CodeUnexpectedBinary, Message: "binary frame follows a rejected audio_chunk_meta and was discarded"})
		return
	}
	if pending != nil {
		s := pending.stream
		if _, err := c.handler.registry.ObserveChunk(s.key, pending.seq, len(data)); err != nil {
			c.sendError(protocolError(err))
			return
		}
		c.forward(s, data)
		return
	}

	if len(c.streams) != 1 {
		c.sendError(&ProtocolError{Code: CodeUnexpectedBinary, Message: "binary frame must follow audio_chunk_meta"})
		return
	}
	for _, s := range c.streams {
		if err := c.handler.registry.CountChunk(s.key, len(data)); err != nil {
			c.sendError(protocolError(err))
			return
		}
		c.forward(s, data)
	}
}

func (c *connection) forward(s *activeStream, data []byte) {
	if len(data) == 0 {
		return
	}
	pcm, err := s.decoder.Decode(data)
	if err != nil {
		slog.Warn("failed to decode audio chunk", "error", err, "connection_id", c.id, "stream_id", s.key.StreamID, "chunk_bytes", len(data))
		c.sendError(&ProtocolError{Code: CodeDecodeFailed, Message: err.Error()})
		return
	}
	if len(pcm) == 0 {
		return
	}
	if err := s.writer.Write(pcm); err != nil {
		slog.Error("failed to write audio to transcription stream", "error", err, "connection_id", c.id, "stream_id", s.key.StreamID, "bytes", len(pcm))
		c.sendError(&ProtocolError{Code: CodeEngineUnavailable, Message: "transcription engine rejected audio"})
	}
}

func (c *connection) requestStop(data json.RawMessage) {
	var req stopRequest
	if err := decodeData(data, &req); err != nil {
		c.sendError(err)
		return
	}
	s, perr := c.resolve(req.SessionUUID, req.CustomerID, req.StreamID)
	if perr != nil {
		c.sendError(perr)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = defaultStopReason
	}
	c.stopStream(s, reason)
}

func (c *connection) stopAll(reason string) {
	for _, s := range c.streams {
		c.stopStream(s, reason)
	}
}

// stopStream ends chunk acceptance immediately; the registry teardown runs once the engine drains.
func (c *connection) stopStream(s *activeStream, reason string) {
	delete(c.streams, s.key)
	if err := s.writer.Close(); err != nil {
		slog.Warn("failed to close transcription stream", "error", err, "connection_id", c.id, "stream_id", s.key.StreamID)
	}
	c.finishers.Add(1)
	go func() {
		defer c.finishers.Done()
		c.finishStream(s, reason)
	}()
}

func (c *connection) finishStream(s *activeStream, reason string) {
	timer := time.NewTimer(c.handler.drainTimeout)
	defer timer.Stop()
	select {
	case <-s.receiver.drained:
	case <-timer.C:
		slog.Warn("transcription stream did not drain in time",
			"connection_id", c.id,
			"session_uuid", s.key.SessionUUID,
			"customer_id", s.key.CustomerID,
			"stream_id", s.key.StreamID,
			"timeout", c.handler.drainTimeout.String())
	}
	c.send(newStreamNotice(typeReadyToStop, s.key, ""))

	s.cancel()
	s.decoder.Close()
	if _, err := c.handler.registry.StopStream(s.key, reason); err != nil {
		slog.Error("failed to stop stream", "error", err, "connection_id", c.id, "stream_id", s.key.StreamID)
	}
	c.send(newStreamNotice(typeStreamStopped, s.key, messageStreamStopped))
}

// resolve finds the stream addressed by a control message. Empty identifiers match anything,
// so a connection with a single stream can omit them.
func (c *connection) resolve(sessionUUID, customerID, streamID string) (*activeStream, *ProtocolError) {
	if len(c.streams) == 0 {
		return nil, &ProtocolError{Code: CodeStreamNotStarted, Message: "no audio stream has been started on this connection"}
	}
	var match *activeStream
	matches := 0
	for key, s := range c.streams {
		if sessionUUID != "" && key.SessionUUID != sessionUUID {
			continue
		}
		if customerID != "" && key.CustomerID != customerID {
			continue
		}
		if streamID != "" && key.StreamID != streamID {
			continue
		}
		match = s
		matches++
	}
	switch {
	case matches == 0:
		return nil, &ProtocolError{Code: CodeUnknownStream, Field: "stream_id", Message: "stream is not registered on this connection"}
	case matches > 1 && streamID == "":
		return nil, &ProtocolError{Code: CodeMissingField, Field: "stream_id", Message: "stream_id is required when the connection has several streams"}
	case matches > 1:
		return nil, &ProtocolError{Code: CodeMissingField, Field: "session_uuid", Message: "session_uuid is required to disambiguate stream_id"}
	}
	return match, nil
}

func (c *connection) send(v any) {
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("failed to write message to client", "error", err, "connection_id", c.id)
	}
}

func (c *connection) sendError(err error) {
	perr := protocolError(err)
	slog.Info("rejecting client message", "connection_id", c.id, "code", string(perr.Code), "field", perr.Field, "message", perr.Message)
	c.send(errorMessage{Type: typeError, Code: perr.Code, Field: perr.Field, Message: perr.Message})
}

func decodeData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Code: CodeInvalidJSON, Field: "data", Message: err.Error()}
	}
	return nil
}

// protocolError maps domain errors onto client-facing codes.
func protocolError(err error) *ProtocolError {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr
	}
	var ferr *session.FieldError
	if errors.As(err, &ferr) {
		code := CodeInvalidField
		if ferr.Reason == session.ReasonRequired {
			code = CodeMissingField
		}
		return &ProtocolError{Code: code, Field: ferr.Field, Message: ferr.Error()}
	}
	switch {
	case errors.Is(err, session.ErrDuplicateStream):
		return &ProtocolError{Code: CodeDuplicateStream, Field: "stream_id", Message: err.Error()}
	case errors.Is(err, session.ErrUnknownStream):
		return &ProtocolError{Code: CodeUnknownStream, Field: "stream_id", Message: err.Error()}
	}
	return &ProtocolError{Code: CodeEngineUnavailable, Message: err.Error()}
}
