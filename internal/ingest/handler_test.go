package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/kikitori/internal/audio"
	"github.com/foxseedlab/kikitori/internal/keyword"
	"github.com/foxseedlab/kikitori/internal/notify"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/foxseedlab/kikitori/internal/transcriber"
)

type fakeConn struct {
	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
	hangup    sync.Once

	mu  sync.Mutex
	out []map[string]any
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return Frame{}, net.ErrClosed
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendText(t *testing.T, typ string, data map[string]any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.frames <- Frame{Data: b}
}

func (c *fakeConn) sendRaw(raw string) {
	c.frames <- Frame{Data: []byte(raw)}
}

func (c *fakeConn) sendBinary(data []byte) {
	c.frames <- Frame{Binary: true, Data: data}
}

func (c *fakeConn) disconnect() {
	c.hangup.Do(func() { close(c.frames) })
}

func (c *fakeConn) messages(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.out {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) updates() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.out {
		if _, ok := m["lines"]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.out))
	for _, m := range c.out {
		typ, _ := m["type"].(string)
		out = append(out, typ)
	}
	return out
}

type fakeStream struct {
	cfg      transcriber.StreamConfig
	receiver transcriber.ResultReceiver
	hold     bool

	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (s *fakeStream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if !s.hold {
		s.receiver.OnComplete()
	}
	return nil
}

func (s *fakeStream) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *fakeStream) final(text string) {
	s.receiver.OnResult(transcriber.Result{Lines: []transcriber.Line{{Speaker: 1, Text: text, End: 2 * time.Second}}})
}

type fakeTranscriber struct {
	mu      sync.Mutex
	hold    bool
	streams map[string]*fakeStream
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{streams: make(map[string]*fakeStream)}
}

func (f *fakeTranscriber) StartStreaming(_ context.Context, cfg transcriber.StreamConfig, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{cfg: cfg, receiver: receiver, hold: f.hold}
	f.streams[cfg.StreamID] = s
	return s, nil
}

func (f *fakeTranscriber) stream(t *testing.T, streamID string) *fakeStream {
	t.Helper()
	var s *fakeStream
	waitUntil(t, time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		s = f.streams[streamID]
		return s != nil
	}, "expected transcription stream "+streamID)
	return s
}

func (f *fakeTranscriber) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type passthrough struct{ out audio.Output }

func (p passthrough) Decode(chunk []byte) ([]byte, error) { return chunk, nil }
func (p passthrough) Output() audio.Output { return p.out }
func (p passthrough) Close() {}

func testDecoderFactory(format audio.Format) (audio.Decoder, error) {
	if format.Codec == "audio/mpeg" {
		return nil, audio.UnsupportedCodecError(format.Codec)
	}
	return passthrough{out: audio.Output{Encoding: audio.EncodingContainer, SampleRate: format.SampleRate, Channels: format.Channels}}, nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []notify.Request
}

func (d *recordingDispatcher) Dispatch(req notify.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
}

func (d *recordingDispatcher) events(customerID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, r := range d.requests {
		if r.CustomerID == customerID {
			out = append(out, r.Event)
		}
	}
	return out
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type testEnv struct {
	handler     *Handler
	registry    *session.Registry
	dispatcher  *recordingDispatcher
	transcriber *fakeTranscriber
}

func newTestEnv() *testEnv {
	dispatcher := &recordingDispatcher{}
	detector := keyword.NewDetector([]keyword.Rule{
		{Phrase: "xin chào", Event: "SAY_HELLO"},
		{Phrase: "xin lỗi", Event: "SAY_SORRY"},
	})
	registry := session.NewRegistry(detector, dispatcher, nil)
	ft := newFakeTranscriber()
	return &testEnv{
		handler:     NewHandler(registry, ft, testDecoderFactory, Options{DrainTimeout: time.Second}),
		registry:    registry,
		dispatcher:  dispatcher,
		transcriber: ft,
	}
}

// serve runs a connection and returns a function that disconnects it and waits for teardown.
func (e *testEnv) serve(t *testing.T) (*fakeConn, func()) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		e.handler.Serve(context.Background(), conn)
		close(done)
	}()
	return conn, func() {
		conn.disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("connection did not shut down")
		}
	}
}

func startData(sessionUUID, customerID, streamID string) map[string]any {
	return map[string]any{
		"session_uuid": sessionUUID,
		"customer_id":  customerID,
		"stream_id":    streamID,
		"codec":        "audio/webm;codecs=opus",
		"sample_rate":  48000,
		"channels":     1,
		"timeslice_ms": 250,
		"client_ts":    1712345678.5,
	}
}

// startWith returns a valid start payload with one field replaced, or removed when value is nil.
func startWith(field string, value any) map[string]any {
	d := startData("s-1", "A", "mic-1")
	if value == nil {
		delete(d, field)
	} else {
		d[field] = value
	}
	return d
}

func lastError(t *testing.T, conn *fakeConn) map[string]any {
	t.Helper()
	var errs []map[string]any
	waitUntil(t, time.Second, func() bool {
		errs = conn.messages(typeError)
		return len(errs) > 0
	}, "expected an error message")
	return errs[len(errs)-1]
}

func TestServe_StartStreamSendsReady(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 1 }, "expected audio_stream_ready")

	data := conn.messages(typeStreamReady)[0]["data"].(map[string]any)
	if data["session_uuid"] != "s-1" || data["customer_id"] != "A" || data["stream_id"] != "mic-1" {
		t.Fatalf("unexpected ready payload: %+v", data)
	}
	if data["message"] != messageStreamReady {
		t.Fatalf("unexpected ready message: %v", data["message"])
	}
	if got := env.registry.Stats(); got.Sessions != 1 || got.Customers != 1 || got.Streams != 1 {
		t.Fatalf("unexpected registry stats: %+v", got)
	}
	if s := env.transcriber.stream(t, "mic-1"); s.cfg.Audio.SampleRate != 48000 || s.cfg.CustomerID != "A" {
		t.Fatalf("unexpected stream config: %+v", s.cfg)
	}
}

func TestServe_StartGeneratesSessionUUID(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("", "A", "mic-1"))
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 1 }, "expected audio_stream_ready")
	data := conn.messages(typeStreamReady)[0]["data"].(map[string]any)
	if id, _ := data["session_uuid"].(string); id == "" {
		t.Fatal("expected a generated session_uuid")
	}
}

func TestServe_StartMissingCustomerIDCreatesNothing(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startWith("customer_id", nil))

	msg := lastError(t, conn)
	if msg["code"] != string(CodeMissingField) || msg["field"] != "customer_id" {
		t.Fatalf("unexpected error: %+v", msg)
	}
	if got := env.registry.Stats(); got != (session.Stats{}) {
		t.Fatalf("expected empty registry, got %+v", got)
	}
	if env.transcriber.started() != 0 {
		t.Fatal("expected no transcription stream")
	}
}

func TestServe_StartRejections(t *testing.T) {
	tests := []struct {
		name  string
		data  map[string]any
		code  ErrorCode
		field string
	}{
		{name: "missing client_ts", data: startWith("client_ts", nil), code: CodeMissingField, field: "client_ts"},
		{name: "missing stream_id", data: startWith("stream_id", nil), code: CodeMissingField, field: "stream_id"},
		{name: "non-positive sample rate", data: startWith("sample_rate", 0), code: CodeInvalidField, field: "sample_rate"},
		{name: "unsupported codec", data: startWith("codec", "audio/mpeg"), code: CodeUnsupportedCodec, field: "codec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			conn, hangup := env.serve(t)
			defer hangup()

			conn.sendText(t, typeStreamStart, tt.data)
			msg := lastError(t, conn)
			if msg["code"] != string(tt.code) || msg["field"] != tt.field {
				t.Fatalf("unexpected error: %+v", msg)
			}
			if got := env.registry.Stats(); got.Sessions != 0 {
				t.Fatalf("expected no sessions, got %+v", got)
			}
		})
	}
}

func TestServe_DuplicateStreamInSession(t *testing.T) {
	env := newTestEnv()
	connA, hangupA := env.serve(t)
	defer hangupA()
	connB, hangupB := env.serve(t)
	defer hangupB()

	connA.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	waitUntil(t, time.Second, func() bool { return len(connA.messages(typeStreamReady)) == 1 }, "expected audio_stream_ready")

	connB.sendText(t, typeStreamStart, startData("s-1", "B", "mic-1"))
	msg := lastError(t, connB)
	if msg["code"] != string(CodeDuplicateStream) {
		t.Fatalf("unexpected error: %+v", msg)
	}
	if got := env.registry.Stats(); got.Customers != 1 {
		t.Fatalf("expected one customer, got %+v", got)
	}
}

func TestServe_ProtocolErrors(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendRaw("{not json")
	if msg := lastError(t, conn); msg["code"] != string(CodeInvalidJSON) {
		t.Fatalf("unexpected error: %+v", msg)
	}

	conn.sendText(t, "audio_stream_pause", nil)
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeError)) == 2 }, "expected unknown_type error")
	if msg := lastError(t, conn); msg["code"] != string(CodeUnknownType) {
		t.Fatalf("unexpected error: %+v", msg)
	}

	conn.sendText(t, typeChunkMeta, map[string]any{"stream_id": "mic-1", "seq": 1})
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeError)) == 3 }, "expected stream_not_started error")
	if msg := lastError(t, conn); msg["code"] != string(CodeStreamNotStarted) {
		t.Fatalf("unexpected error: %+v", msg)
	}

	conn.sendBinary([]byte{1, 2, 3})
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeError)) == 4 }, "expected unexpected_binary error")
	if msg := lastError(t, conn); msg["code"] != string(CodeUnexpectedBinary) {
		t.Fatalf("unexpected error: %+v", msg)
	}

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 1 }, "expected audio_stream_ready")

	conn.sendText(t, typeChunkMeta, map[string]any{"stream_id": "mic-9", "seq": 1})
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeError)) == 5 }, "expected unknown_stream error")
	if msg := lastError(t, conn); msg["code"] != string(CodeUnknownStream) {
		t.Fatalf("unexpected error: %+v", msg)
	}

	conn.sendText(t, typeChunkMeta, map[string]any{"stream_id": "mic-1"})
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeError)) == 6 }, "expected missing seq error")
	if msg := lastError(t, conn); msg["code"] != string(CodeMissingField) || msg["field"] != "seq" {
		t.Fatalf("unexpected error: %+v", msg)
	}

	if got := env.registry.Stats(); got.Streams != 1 {
		t.Fatalf("protocol errors must not mutate the registry, got %+v", got)
	}
}

func TestServe_ChunkRoutingTracksSequenceGaps(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-2"))
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 2 }, "expected two ready messages")

	for _, seq := range []int{1, 2, 3, 5} {
		conn.sendText(t, typeChunkMeta, map[string]any{"session_uuid": "s-1", "customer_id": "A", "stream_id": "mic-1", "seq": seq})
		conn.sendBinary([]byte{byte(seq)})
	}
	mic1 := env.transcriber.stream(t, "mic-1")
	waitUntil(t, time.Second, func() bool { return mic1.chunkCount() == 4 }, "expected every chunk to be forwarded, gaps included")

	stats, ok := env.registry.StreamStats(session.StreamKey{SessionUUID: "s-1", CustomerID: "A", StreamID: "mic-1"})
	if !ok {
		t.Fatal("expected stream stats")
	}
	if stats.Gaps != 1 || stats.Expected != 6 || stats.Chunks != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if env.transcriber.stream(t, "mic-2").chunkCount() != 0 {
		t.Fatal("expected no chunks routed to mic-2")
	}

	conn.sendBinary([]byte{9})
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeError)) == 1 }, "expected unexpected_binary with two streams")
	if msg := lastError(t, conn); msg["code"] != string(CodeUnexpectedBinary) {
		t.Fatalf("unexpected error: %+v", msg)
	}
}

func TestServe_BinaryWithoutMetaOnSingleStream(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	conn.sendBinary([]byte{1, 2})
	conn.sendBinary([]byte{3, 4})

	mic1 := env.transcriber.stream(t, "mic-1")
	waitUntil(t, time.Second, func() bool { return mic1.chunkCount() == 2 }, "expected chunks to be forwarded")
	if errs := conn.messages(typeError); len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
}

func TestServe_BinaryAfterRejectedMetaIsDiscarded(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
	}{
		{name: "unknown stream", meta: map[string]any{"stream_id": "mic-9", "seq": 1}},
		{name: "missing seq", meta: map[string]any{"stream_id": "mic-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			conn, hangup := env.serve(t)
			defer hangup()

			conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
			waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 1 }, "expected audio_stream_ready")

			conn.sendText(t, typeChunkMeta, tt.meta)
			conn.sendBinary([]byte("xin chào"))
			waitUntil(t, time.Second, func() bool { return len(conn.messages(typeError)) == 2 }, "expected meta and discard errors")
			if msg := lastError(t, conn); msg["code"] != string(CodeUnexpectedBinary) {
				t.Fatalf("unexpected error: %+v", msg)
			}

			mic1 := env.transcriber.stream(t, "mic-1")
			if n := mic1.chunkCount(); n != 0 {
				t.Fatalf("audio announced by a rejected meta must not reach mic-1, got %d chunks", n)
			}
			stats, _ := env.registry.StreamStats(session.StreamKey{SessionUUID: "s-1", CustomerID: "A", StreamID: "mic-1"})
			if stats.Chunks != 0 || stats.Bytes != 0 {
				t.Fatalf("expected untouched stream stats, got %+v", stats)
			}

			// The discard applies to one frame only.
			conn.sendBinary([]byte{1})
			waitUntil(t, time.Second, func() bool { return mic1.chunkCount() == 1 }, "expected the next bare chunk to be forwarded")
		})
	}
}

func TestServe_RestartWhileDrainingIsDuplicate(t *testing.T) {
	env := newTestEnv()
	env.transcriber.hold = true
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	mic1 := env.transcriber.stream(t, "mic-1")
	conn.sendText(t, typeStreamStop, map[string]any{"stream_id": "mic-1"})

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	if msg := lastError(t, conn); msg["code"] != string(CodeDuplicateStream) {
		t.Fatalf("unexpected error: %+v", msg)
	}

	mic1.receiver.OnComplete()
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamStopped)) == 1 }, "expected audio_stream_stopped")

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 2 }, "expected restart after drain to succeed")
	env.transcriber.stream(t, "mic-1").receiver.OnComplete()
}

func TestServe_BufferTextNeverDispatches(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	mic1 := env.transcriber.stream(t, "mic-1")

	mic1.receiver.OnResult(transcriber.Result{BufferTranscription: "xin chào", BufferDiarization: "xin chào"})
	waitUntil(t, time.Second, func() bool { return len(conn.updates()) == 1 }, "expected a transcription update")
	update := conn.updates()[0]
	if lines := update["lines"].([]any); len(lines) != 0 {
		t.Fatalf("expected no lines, got %+v", lines)
	}
	if update["buffer_transcription"] != "xin chào" || update["stream_id"] != "mic-1" {
		t.Fatalf("unexpected update: %+v", update)
	}
	if env.dispatcher.count() != 0 {
		t.Fatal("buffer text must not dispatch events")
	}
	if text, _ := env.registry.Transcript("s-1", "A"); text != "" {
		t.Fatalf("buffer text must not reach the transcript, got %q", text)
	}

	hangup()
	if got := env.dispatcher.events("A"); !slices.Equal(got, []string{notify.EventSessionEnd}) {
		t.Fatalf("expected only SESSION_END, got %v", got)
	}
}

func TestServe_FinalLinesUpdateAndDispatch(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	mic1 := env.transcriber.stream(t, "mic-1")
	mic1.final("Xin chào anh")

	waitUntil(t, time.Second, func() bool { return len(conn.updates()) == 1 }, "expected a transcription update")
	lines := conn.updates()[0]["lines"].([]any)
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %+v", lines)
	}
	line := lines[0].(map[string]any)
	if line["text"] != "Xin chào anh" || line["speaker"] != float64(1) || line["end"] != "0:00:02" {
		t.Fatalf("unexpected line: %+v", line)
	}
	if got := env.dispatcher.events("A"); !slices.Equal(got, []string{"SAY_HELLO"}) {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestServe_StopSendsReadyToStopThenStopped(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 1 }, "expected audio_stream_ready")
	conn.sendText(t, typeStreamStop, map[string]any{"stream_id": "mic-1", "reason": "customer_left"})

	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamStopped)) == 1 }, "expected audio_stream_stopped")
	types := conn.types()
	if !slices.Equal(types, []string{typeStreamReady, typeReadyToStop, typeStreamStopped}) {
		t.Fatalf("unexpected message order: %v", types)
	}
	stopped := conn.messages(typeStreamStopped)[0]["data"].(map[string]any)
	if stopped["message"] != messageStreamStopped || stopped["customer_id"] != "A" {
		t.Fatalf("unexpected stopped payload: %+v", stopped)
	}
	if got := env.dispatcher.events("A"); !slices.Equal(got, []string{notify.EventSessionEnd}) {
		t.Fatalf("expected SESSION_END, got %v", got)
	}
	if got := env.registry.Stats(); got.Sessions != 0 {
		t.Fatalf("expected session removed, got %+v", got)
	}

	conn.sendText(t, typeStreamStop, map[string]any{"stream_id": "mic-1"})
	if msg := lastError(t, conn); msg["code"] != string(CodeStreamNotStarted) {
		t.Fatalf("unexpected error: %+v", msg)
	}
}

func TestServe_LateFinalDuringDrainIsAggregated(t *testing.T) {
	env := newTestEnv()
	env.transcriber.hold = true
	conn, hangup := env.serve(t)
	defer hangup()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	mic1 := env.transcriber.stream(t, "mic-1")
	conn.sendText(t, typeStreamStop, map[string]any{"stream_id": "mic-1"})

	mic1.final("dạ xin lỗi chị")
	if len(conn.messages(typeReadyToStop)) != 0 {
		t.Fatal("ready_to_stop must wait for the engine to drain")
	}
	mic1.receiver.OnComplete()

	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamStopped)) == 1 }, "expected audio_stream_stopped")
	if got := env.dispatcher.events("A"); !slices.Equal(got, []string{"SAY_SORRY", notify.EventSessionEnd}) {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestServe_DisconnectFiresEachEventOnceThenSessionEnd(t *testing.T) {
	env := newTestEnv()
	conn, hangup := env.serve(t)

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	mic1 := env.transcriber.stream(t, "mic-1")
	mic1.final("xin chào")
	mic1.final("Xin chào lần nữa")
	mic1.final("xin lỗi")

	hangup()
	want := []string{"SAY_HELLO", "SAY_SORRY", notify.EventSessionEnd}
	if got := env.dispatcher.events("A"); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := env.registry.Stats(); got != (session.Stats{}) {
		t.Fatalf("expected empty registry, got %+v", got)
	}
}

func TestServe_SharedSessionCustomersTearDownIndependently(t *testing.T) {
	env := newTestEnv()
	connA, hangupA := env.serve(t)
	connB, hangupB := env.serve(t)

	connA.sendText(t, typeStreamStart, startData("s-1", "A", "mic-a"))
	connB.sendText(t, typeStreamStart, startData("s-1", "B", "mic-b"))
	micA := env.transcriber.stream(t, "mic-a")
	env.transcriber.stream(t, "mic-b")
	waitUntil(t, time.Second, func() bool { return env.registry.Stats().Customers == 2 }, "expected two customers")

	micA.final("xin chào")
	hangupB()

	if got := env.dispatcher.events("B"); !slices.Equal(got, []string{notify.EventSessionEnd}) {
		t.Fatalf("expected one SESSION_END for B, got %v", got)
	}
	if got := env.dispatcher.events("A"); !slices.Equal(got, []string{"SAY_HELLO"}) {
		t.Fatalf("A must be untouched by B's teardown, got %v", got)
	}
	if got := env.registry.Stats(); got.Sessions != 1 || got.Customers != 1 {
		t.Fatalf("expected session to remain for A, got %+v", got)
	}

	micA.final("xin chào")
	hangupA()
	if got := env.dispatcher.events("A"); !slices.Equal(got, []string{"SAY_HELLO", notify.EventSessionEnd}) {
		t.Fatalf("unexpected events for A: %v", got)
	}
	if got := env.dispatcher.events("B"); len(got) != 1 {
		t.Fatalf("B must not receive further events, got %v", got)
	}
	if got := env.registry.Stats(); got.Sessions != 0 {
		t.Fatalf("expected session removed, got %+v", got)
	}
}

func TestServe_ContextCancelTearsDownStreams(t *testing.T) {
	env := newTestEnv()
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.handler.Serve(ctx, conn)
		close(done)
	}()

	conn.sendText(t, typeStreamStart, startData("s-1", "A", "mic-1"))
	waitUntil(t, time.Second, func() bool { return len(conn.messages(typeStreamReady)) == 1 }, "expected audio_stream_ready")
	if env.handler.ActiveConnections() != 1 {
		t.Fatalf("expected one active connection, got %d", env.handler.ActiveConnections())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := env.handler.Wait(waitCtx); err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}
	if got := env.dispatcher.events("A"); !slices.Equal(got, []string{notify.EventSessionEnd}) {
		t.Fatalf("expected SESSION_END on shutdown, got %v", got)
	}
	if env.handler.ActiveConnections() != 0 {
		t.Fatal("expected no active connections")
	}
}

func TestFormatOffset(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00:00"},
		{1500 * time.Millisecond, "0:00:01"},
		{65 * time.Second, "0:01:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{-time.Second, "0:00:00"},
	}
	for _, tt := range tests {
		if got := formatOffset(tt.in); got != tt.want {
			t.Fatalf("formatOffset(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
