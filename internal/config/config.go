package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/foxseedlab/kikitori/internal/keyword"
)

type Config struct {
	Env                        string
	ListenAddr                 string
	DefaultTranscribeLanguage  string
	DatabaseURL                string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string
	SpeechDiarizationEnabled   bool
	SpeechMaxSpeakers          int
	ExperienceEventURL         string
	ExperienceEventTimeout     time.Duration
	KeywordEvents              string
	DispatchMaxInFlight        int
	StreamDrainTimeout         time.Duration
	WSMaxMessageBytes          int64
	WSWriteTimeout             time.Duration
	ShutdownTimeout            time.Duration
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	u, err := url.Parse(c.ExperienceEventURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("EXPERIENCE_EVENT_URL must be an absolute URL, got %q", c.ExperienceEventURL)
	}
	for _, d := range c.positiveDurationChecks() {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.DispatchMaxInFlight <= 0 {
		return fmt.Errorf("DISPATCH_MAX_IN_FLIGHT must be positive, got %d", c.DispatchMaxInFlight)
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive, got %d", c.WSMaxMessageBytes)
	}
	if c.SpeechDiarizationEnabled && c.SpeechMaxSpeakers < 1 {
		return fmt.Errorf("SPEECH_DIARIZATION_MAX_SPEAKERS must be at least 1 when diarization is enabled, got %d", c.SpeechMaxSpeakers)
	}
	if _, err := c.KeywordRules(); err != nil {
		return fmt.Errorf("KEYWORD_EVENTS is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "LISTEN_ADDR", value: c.ListenAddr},
		{name: "DEFAULT_TRANSCRIBE_LANGUAGE", value: c.DefaultTranscribeLanguage},
		{name: "GOOGLE_CLOUD_PROJECT_ID", value: c.GoogleCloudProjectID},
		{name: "GOOGLE_CLOUD_CREDENTIALS_JSON", value: c.GoogleCloudCredentialsJSON},
		{name: "EXPERIENCE_EVENT_URL", value: c.ExperienceEventURL},
		{name: "KEYWORD_EVENTS", value: c.KeywordEvents},
	}
}

type positiveDurationField struct {
	name  string
	value time.Duration
}

func (c *Config) positiveDurationChecks() []positiveDurationField {
	return []positiveDurationField{
		{name: "EXPERIENCE_EVENT_TIMEOUT", value: c.ExperienceEventTimeout},
		{name: "STREAM_DRAIN_TIMEOUT", value: c.StreamDrainTimeout},
		{name: "WS_WRITE_TIMEOUT", value: c.WSWriteTimeout},
		{name: "SHUTDOWN_TIMEOUT", value: c.ShutdownTimeout},
	}
}

func (c *Config) KeywordRules() ([]keyword.Rule, error) {
	return keyword.ParseRules(c.KeywordEvents)
}

func (c *Config) AuditEnabled() bool {
	return c.DatabaseURL != ""
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
