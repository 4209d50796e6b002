package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/kikitori/internal/audio"
	"github.com/foxseedlab/kikitori/internal/transcriber"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const speechAPIEndpointPort = 443

type CloudSpeechConfig struct {
	ProjectID          string
	CredentialsJSON    string
	Language           string
	Location           string
	Model              string
	DiarizationEnabled bool
	MaxSpeakers        int
}

type CloudSpeechTranscriber struct {
	projectID          string
	credentialsJSON    string
	defaultLanguage    string
	location           string
	model              string
	diarizationEnabled bool
	maxSpeakers        int
}

func NewCloudSpeechTranscriber(cfg CloudSpeechConfig) transcriber.Transcriber {
	return &CloudSpeechTranscriber{
		projectID:          cfg.ProjectID,
		credentialsJSON:    cfg.CredentialsJSON,
		defaultLanguage:    cfg.Language,
		location:           strings.TrimSpace(cfg.Location),
		model:              strings.TrimSpace(cfg.Model),
		diarizationEnabled: cfg.DiarizationEnabled,
		maxSpeakers:        cfg.MaxSpeakers,
	}
}

func (t *CloudSpeechTranscriber) StartStreaming(ctx context.Context, cfg transcriber.StreamConfig, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	language := cfg.Language
	if language == "" {
		language = t.defaultLanguage
	}
	slog.Info("starting cloud speech streaming",
		"session_uuid", cfg.SessionUUID,
		"customer_id", cfg.CustomerID,
		"stream_id", cfg.StreamID,
		"location", t.location,
		"language", language,
		"model", t.model,
		"encoding", string(cfg.Audio.Encoding),
		"diarization", t.diarizationEnabled)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(t.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if t.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", t.location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	streamingConfig := t.streamingConfig(cfg.Audio, language)
	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.projectID, t.location)
	sendConfig := func(s speechpb.Speech_StreamingRecognizeClient) error {
		return s.Send(&speechpb.StreamingRecognizeRequest{
			Recognizer: recognizer,
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: streamingConfig,
			},
		})
	}
	if err := sendConfig(stream); err != nil {
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, err
	}
	slog.Info("cloud speech stream initialized", "session_uuid", cfg.SessionUUID, "stream_id", cfg.StreamID)

	w := &streamWriter{
		streamID:    cfg.StreamID,
		stream:      stream,
		receiver:    receiver,
		diarization: t.diarizationEnabled,
		newStreamFn: func() (speechpb.Speech_StreamingRecognizeClient, error) {
			next, err := client.StreamingRecognize(ctx)
			if err != nil {
				return nil, err
			}
			if err := sendConfig(next); err != nil {
				_ = next.CloseSend()
				return nil, err
			}
			return next, nil
		},
		closeFn: func() error {
			return client.Close()
		},
	}
	w.startReceiver(stream)

	return w, nil
}

func (t *CloudSpeechTranscriber) streamingConfig(out audio.Output, language string) *speechpb.StreamingRecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Model:         t.model,
		LanguageCodes: []string{language},
		Features:      &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
	}
	switch out.Encoding {
	case audio.EncodingLinear16:
		rc.DecodingConfig = &speechpb.RecognitionConfig_ExplicitDecodingConfig{
			ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
				Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
				SampleRateHertz:   int32(out.SampleRate),
				AudioChannelCount: int32(out.Channels),
			},
		}
	default:
		rc.DecodingConfig = &speechpb.RecognitionConfig_AutoDecodingConfig{
			AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
		}
	}
	if t.diarizationEnabled {
		rc.Features.EnableWordTimeOffsets = true
		rc.Features.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			MinSpeakerCount: 1,
			MaxSpeakerCount: int32(t.maxSpeakers),
		}
	}
	return &speechpb.StreamingRecognitionConfig{
		Config:            rc,
		StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
	}
}

type streamWriter struct {
	streamID    string
	receiver    transcriber.ResultReceiver
	diarization bool
	newStreamFn func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn     func() error

	mu        sync.Mutex
	closed    bool
	recvEnded bool
	stream    speechpb.Speech_StreamingRecognizeClient

	offsetsMu sync.Mutex
	offsets   offsetTracker

	finish sync.Once
}

func (w *streamWriter) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: chunk,
		},
	}
	if w.recvEnded {
		if err := w.reconnectLocked(); err != nil {
			return fmt.Errorf("reconnect stream: %w", err)
		}
	}
	if err := w.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		slog.Warn("transcriber send failed with reconnectable error; reconnecting", "error", err, "stream_id", w.streamID)
		if err := w.reconnectLocked(); err != nil {
			return fmt.Errorf("reconnect stream: %w", err)
		}
		return w.stream.Send(req)
	}
	return nil
}

// Close half-closes the stream. The receive loop keeps delivering results until the engine ends it.
func (w *streamWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	ended := w.recvEnded
	err := w.stream.CloseSend()
	w.mu.Unlock()

	if ended {
		w.complete()
	}
	return err
}

func (w *streamWriter) reconnectLocked() error {
	slog.Warn("transcriber stream ended early; reconnecting", "stream_id", w.streamID)
	_ = w.stream.CloseSend()
	next, err := w.newStreamFn()
	if err != nil {
		slog.Error("failed to reconnect transcriber stream", "error", err, "stream_id", w.streamID)
		return err
	}
	w.stream = next
	w.recvEnded = false
	w.offsetsMu.Lock()
	w.offsets.rebase()
	w.offsetsMu.Unlock()
	w.startReceiver(next)
	slog.Info("transcriber stream reconnected", "stream_id", w.streamID)
	return nil
}

func (w *streamWriter) startReceiver(stream speechpb.Speech_StreamingRecognizeClient) {
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				w.handleRecvEnd(stream, err)
				return
			}
			w.offsetsMu.Lock()
			res := convertResponse(resp, &w.offsets, w.diarization)
			w.offsetsMu.Unlock()
			if len(res.Lines) == 0 && res.BufferTranscription == "" && res.BufferDiarization == "" {
				continue
			}
			w.receiver.OnResult(res)
		}
	}()
}

func (w *streamWriter) handleRecvEnd(stream speechpb.Speech_StreamingRecognizeClient, err error) {
	w.mu.Lock()
	if w.stream != stream {
		w.mu.Unlock()
		return
	}
	w.recvEnded = true
	closed := w.closed
	w.mu.Unlock()

	graceful := errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
	switch {
	case closed && graceful:
		slog.Info("transcriber receive loop finished", "stream_id", w.streamID)
		w.complete()
	case !closed && (graceful || isReconnectableStreamError(err)):
		slog.Warn("transcriber stream ended while audio is still flowing; next write reconnects", "error", err, "stream_id", w.streamID)
	default:
		w.finish.Do(func() {
			_ = w.closeFn()
			w.receiver.OnError(err)
		})
	}
}

func (w *streamWriter) complete() {
	w.finish.Do(func() {
		_ = w.closeFn()
		w.receiver.OnComplete()
	})
}

func isReconnectableStreamError(err error) bool {
	if errors.Is(err, io.EOF) || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
