package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/kikitori/internal/config"
)

type envConfig struct {
	Env                        string        `env:"ENV" envDefault:"production"`
	ListenAddr                 string        `env:"LISTEN_ADDR" envDefault:":8000"`
	DefaultTranscribeLanguage  string        `env:"DEFAULT_TRANSCRIBE_LANGUAGE" envDefault:"vi-VN"`
	DatabaseURL                string        `env:"DATABASE_URL"`
	GoogleCloudProjectID       string        `env:"GOOGLE_CLOUD_PROJECT_ID,required"`
	GoogleCloudCredentialsJSON string        `env:"GOOGLE_CLOUD_CREDENTIALS_JSON,required"`
	GoogleCloudSpeechLocation  string        `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-southeast1"`
	GoogleCloudSpeechModel     string        `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`
	SpeechDiarizationEnabled   bool          `env:"SPEECH_DIARIZATION_ENABLED" envDefault:"true"`
	SpeechMaxSpeakers          int           `env:"SPEECH_DIARIZATION_MAX_SPEAKERS" envDefault:"4"`
	ExperienceEventURL         string        `env:"EXPERIENCE_EVENT_URL,required"`
	ExperienceEventTimeout     time.Duration `env:"EXPERIENCE_EVENT_TIMEOUT" envDefault:"10s"`
	KeywordEvents              string        `env:"KEYWORD_EVENTS" envDefault:"xin chào=SAY_HELLO,xin lỗi=SAY_SORRY"`
	DispatchMaxInFlight        int           `env:"DISPATCH_MAX_IN_FLIGHT" envDefault:"64"`
	StreamDrainTimeout         time.Duration `env:"STREAM_DRAIN_TIMEOUT" envDefault:"5s"`
	WSMaxMessageBytes          int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"1048576"`
	WSWriteTimeout             time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout            time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		ListenAddr:                 raw.ListenAddr,
		DefaultTranscribeLanguage:  raw.DefaultTranscribeLanguage,
		DatabaseURL:                raw.DatabaseURL,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		SpeechDiarizationEnabled:   raw.SpeechDiarizationEnabled,
		SpeechMaxSpeakers:          raw.SpeechMaxSpeakers,
		ExperienceEventURL:         raw.ExperienceEventURL,
		ExperienceEventTimeout:     raw.ExperienceEventTimeout,
		KeywordEvents:              raw.KeywordEvents,
		DispatchMaxInFlight:        raw.DispatchMaxInFlight,
		StreamDrainTimeout:         raw.StreamDrainTimeout,
		WSMaxMessageBytes:          raw.WSMaxMessageBytes,
		WSWriteTimeout:             raw.WSWriteTimeout,
		ShutdownTimeout:            raw.ShutdownTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
