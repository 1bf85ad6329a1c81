// Package config provides the configuration structure for the news-digest service.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/aliyun"
	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/feishu"
	"github.com/book-expert/news-digest/internal/keywords"
	"github.com/book-expert/news-digest/internal/tts"
	"github.com/caarlos0/env/v11"
)

// Defaults applied to empty settings.
const (
	DefaultAddr              = ":8080"
	DefaultAllowedOrigin     = "*"
	DefaultShutdownTimeout   = 10
	DefaultNarrationSubject  = "news-digest.narration"
	DefaultAudioBucket       = "NEWS_DIGEST_AUDIO"
	DefaultBaseLogsDir       = "logs"
	DefaultJobTimeoutSeconds = 120
)

var (
	// ErrMissingSetting indicates that a required setting is empty.
	ErrMissingSetting = errors.New("missing required setting")
	// ErrInvalidSetting indicates that a setting has an unusable value.
	ErrInvalidSetting = errors.New("invalid setting")
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr                   string `toml:"addr"`
	AllowedOrigin          string `toml:"allowed_origin"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

// FeishuConfig locates the digest bitable.
type FeishuConfig struct {
	AppID             string  `toml:"app_id"`
	AppSecret         string  `toml:"app_secret"`
	AppToken          string  `toml:"app_token"`
	KeywordTable      string  `toml:"keyword_table"`
	SummaryTable      string  `toml:"summary_table"`
	NewsTable         string  `toml:"news_table"`
	BaseURL           string  `toml:"base_url"`
	Timezone          string  `toml:"timezone"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	PageSize          int     `toml:"page_size"`
}

// AliyunConfig holds the NLS credentials and voice settings.
type AliyunConfig struct {
	AccessKeyID           string   `toml:"access_key_id"`
	AccessKeySecret       string   `toml:"access_key_secret"`
	AppKey                string   `toml:"app_key"`
	TokenEndpoint         string   `toml:"token_endpoint"`
	Region                string   `toml:"region"`
	GatewayURL            string   `toml:"gateway_url"`
	Format                string   `toml:"format"`
	SampleRate            int      `toml:"sample_rate"`
	Voice                 string   `toml:"voice"`
	Voices                []string `toml:"voices"`
	Volume                int      `toml:"volume"`
	SpeechRate            int      `toml:"speech_rate"`
	PitchRate             int      `toml:"pitch_rate"`
	MaxChunkRunes         int      `toml:"max_chunk_runes"`
	ConnectTimeoutSeconds int      `toml:"connect_timeout_seconds"`
	IdleTimeoutSeconds    int      `toml:"idle_timeout_seconds"`
}

// NATSConfig holds the configuration for NATS. An empty URL disables the audio
// cache and the narration worker.
type NATSConfig struct {
	URL                    string `toml:"url"`
	NarrationSubject       string `toml:"narration_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	JobTimeoutSeconds      int    `toml:"job_timeout_seconds"`
}

// KeywordsConfig holds the keyword categories in display order.
type KeywordsConfig struct {
	Categories []keywords.Category `toml:"categories"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Feishu   FeishuConfig   `toml:"feishu"`
	Aliyun   AliyunConfig   `toml:"aliyun"`
	NATS     NATSConfig     `toml:"nats"`
	Keywords KeywordsConfig `toml:"keywords"`
	Paths    PathsConfig    `toml:"paths"`
}

// Overrides are the settings that may come from the environment. Secrets belong
// here rather than in the configuration file.
type Overrides struct {
	FeishuAppID         string `env:"FEISHU_APP_ID"`
	FeishuAppSecret     string `env:"FEISHU_APP_SECRET"`
	FeishuAppToken      string `env:"FEISHU_APP_TOKEN"`
	AliyunAccessKeyID   string `env:"ALIYUN_ACCESS_KEY_ID"`
	AliyunAccessSecret  string `env:"ALIYUN_ACCESS_KEY_SECRET"`
	AliyunAppKey        string `env:"ALIYUN_APP_KEY"`
	NATSURL             string `env:"NATS_URL"`
	Addr                string `env:"NEWS_DIGEST_ADDR"`
	KeywordCategoryJSON string `env:"NEWS_DIGEST_KEYWORD_CATEGORIES"`
}

// Load loads the configuration for the news-digest service, applies environment
// overrides and defaults, and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	overrides, err := env.ParseAs[Overrides]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	cfg.Apply(overrides, log)
	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// Apply copies every non-empty override into the configuration. Invalid category
// JSON is logged and leaves the configured categories empty.
func (c *Config) Apply(overrides Overrides, log *logger.Logger) {
	setIfPresent(&c.Feishu.AppID, overrides.FeishuAppID)
	setIfPresent(&c.Feishu.AppSecret, overrides.FeishuAppSecret)
	setIfPresent(&c.Feishu.AppToken, overrides.FeishuAppToken)
	setIfPresent(&c.Aliyun.AccessKeyID, overrides.AliyunAccessKeyID)
	setIfPresent(&c.Aliyun.AccessKeySecret, overrides.AliyunAccessSecret)
	setIfPresent(&c.Aliyun.AppKey, overrides.AliyunAppKey)
	setIfPresent(&c.NATS.URL, overrides.NATSURL)
	setIfPresent(&c.Server.Addr, overrides.Addr)

	if overrides.KeywordCategoryJSON == "" {
		return
	}

	categories, err := keywords.ParseCategories(overrides.KeywordCategoryJSON)
	if err != nil {
		log.Warn("Ignoring %s: %v", keywords.EnvCategories, err)

		c.Keywords.Categories = nil

		return
	}

	c.Keywords.Categories = categories
}

// ApplyDefaults fills in empty settings.
func (c *Config) ApplyDefaults() {
	defaultString(&c.Server.Addr, DefaultAddr)
	defaultString(&c.Server.AllowedOrigin, DefaultAllowedOrigin)

	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = DefaultShutdownTimeout
	}

	defaultString(&c.Aliyun.Format, aliyun.DefaultFormat)
	defaultString(&c.Aliyun.Voice, aliyun.DefaultVoice)

	if c.Aliyun.SampleRate <= 0 {
		c.Aliyun.SampleRate = aliyun.DefaultSampleRate
	}

	defaultString(&c.NATS.NarrationSubject, DefaultNarrationSubject)
	defaultString(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)

	if c.NATS.JobTimeoutSeconds <= 0 {
		c.NATS.JobTimeoutSeconds = DefaultJobTimeoutSeconds
	}

	defaultString(&c.Paths.BaseLogsDir, DefaultBaseLogsDir)
}

// Validate reports the first missing or unusable setting.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"feishu.app_id", c.Feishu.AppID},
		{"feishu.app_secret", c.Feishu.AppSecret},
		{"feishu.app_token", c.Feishu.AppToken},
		{"feishu.keyword_table", c.Feishu.KeywordTable},
		{"feishu.summary_table", c.Feishu.SummaryTable},
		{"feishu.news_table", c.Feishu.NewsTable},
		{"aliyun.access_key_id", c.Aliyun.AccessKeyID},
		{"aliyun.access_key_secret", c.Aliyun.AccessKeySecret},
		{"aliyun.app_key", c.Aliyun.AppKey},
		{"server.addr", c.Server.Addr},
	}

	for _, setting := range required {
		if setting.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingSetting, setting.name)
		}
	}

	format, err := audio.ParseFormat(c.Aliyun.Format)
	if err != nil || format == audio.FormatWAV {
		return fmt.Errorf("%w: aliyun.format %q must be pcm or mp3", ErrInvalidSetting, c.Aliyun.Format)
	}

	specErr := audio.Spec{SampleRate: c.Aliyun.SampleRate, Channels: 1}.Validate()
	if specErr != nil {
		return fmt.Errorf("%w: aliyun.sample_rate: %w", ErrInvalidSetting, specErr)
	}

	if len(c.Aliyun.Voices) > 0 && !slices.Contains(c.Aliyun.Voices, c.Aliyun.Voice) {
		return fmt.Errorf("%w: aliyun.voice %q is not in aliyun.voices", ErrInvalidSetting, c.Aliyun.Voice)
	}

	for index, category := range c.Keywords.Categories {
		if category.Name == "" {
			return fmt.Errorf("%w: keywords.categories[%d] has no name", ErrInvalidSetting, index)
		}
	}

	return nil
}

// NATSEnabled reports whether a NATS server is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATS.URL != ""
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// JobTimeout returns the time allowed for one narration job.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.NATS.JobTimeoutSeconds) * time.Second
}

// FeishuClient returns the settings of the bitable client.
func (c *Config) FeishuClient() feishu.Config {
	return feishu.Config{
		AppID:             c.Feishu.AppID,
		AppSecret:         c.Feishu.AppSecret,
		AppToken:          c.Feishu.AppToken,
		KeywordTable:      c.Feishu.KeywordTable,
		SummaryTable:      c.Feishu.SummaryTable,
		NewsTable:         c.Feishu.NewsTable,
		BaseURL:           c.Feishu.BaseURL,
		Timezone:          c.Feishu.Timezone,
		RequestsPerSecond: c.Feishu.RequestsPerSecond,
		PageSize:          c.Feishu.PageSize,
	}
}

// TokenConfig returns the settings of the NLS token provider.
func (c *Config) TokenConfig() aliyun.TokenConfig {
	return aliyun.TokenConfig{
		AccessKeyID:     c.Aliyun.AccessKeyID,
		AccessKeySecret: c.Aliyun.AccessKeySecret,
		AppKey:          c.Aliyun.AppKey,
		Endpoint:        c.Aliyun.TokenEndpoint,
		Region:          c.Aliyun.Region,
	}
}

// SynthesisConfig returns the settings of the NLS synthesizer.
func (c *Config) SynthesisConfig() aliyun.SynthesisConfig {
	return aliyun.SynthesisConfig{
		AppKey:         c.Aliyun.AppKey,
		GatewayURL:     c.Aliyun.GatewayURL,
		Format:         c.Aliyun.Format,
		SampleRate:     c.Aliyun.SampleRate,
		Voice:          c.Aliyun.Voice,
		Volume:         c.Aliyun.Volume,
		SpeechRate:     c.Aliyun.SpeechRate,
		PitchRate:      c.Aliyun.PitchRate,
		ConnectTimeout: time.Duration(c.Aliyun.ConnectTimeoutSeconds) * time.Second,
		IdleTimeout:    time.Duration(c.Aliyun.IdleTimeoutSeconds) * time.Second,
	}
}

// EngineConfig returns the settings of the narration engine.
func (c *Config) EngineConfig() tts.EngineConfig {
	return tts.EngineConfig{
		Format:        c.Aliyun.Format,
		DefaultVoice:  c.Aliyun.Voice,
		MaxChunkRunes: c.Aliyun.MaxChunkRunes,
	}
}

// AudioSpec returns the layout of the PCM the synthesizer produces.
func (c *Config) AudioSpec() audio.Spec {
	return audio.Spec{SampleRate: c.Aliyun.SampleRate, Channels: 1}
}

func setIfPresent(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func defaultString(target *string, fallback string) {
	if *target == "" {
		*target = fallback
	}
}
