package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/bt-bridge/realtime-hub/storage"
	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvAPIKey     = "OPENAI_API_KEY"
	EnvBaseURL    = "OPENAI_BASE_URL"
	EnvStorageDSN = "REALTIME_HUB_STORAGE_DSN"
	EnvAddr       = "REALTIME_HUB_ADDR"
)

type Config struct {
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
	OpenAI  OpenAI  `yaml:"openai"`
	Session Session `yaml:"session"`
	Storage Storage `yaml:"storage"`
	Agents  Agents  `yaml:"agents"`
}

type Server struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// Log configures the rotating file logger. An empty File logs to stderr.
type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type OpenAI struct {
	APIKey             string `yaml:"-"`
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	Voice              string `yaml:"voice"`
	AudioFormat        string `yaml:"audio_format"`
	TranscriptionModel string `yaml:"transcription_model"`
	InputLanguage      string `yaml:"input_language"`
	NoiseReduction     string `yaml:"noise_reduction"`
	VADEagerness       string `yaml:"vad_eagerness"`
	MaxOutputTokens    int64  `yaml:"max_output_tokens"`
}

type Session struct {
	TurnGateDelay time.Duration `yaml:"turn_gate_delay"`
	MailboxSize   int           `yaml:"mailbox_size"`
	Codec         string        `yaml:"codec"`
	SampleRate    int           `yaml:"sample_rate"`
}

type Storage struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Agents struct {
	File         string `yaml:"file"`
	DefaultAgent string `yaml:"default_agent"`
}

func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", Path: "/media-stream"},
		Log:    Log{MaxSizeMB: 10, MaxBackups: 2, MaxAgeDays: 3},
		OpenAI: OpenAI{
			BaseURL:            realtime.DefaultBaseURL,
			Model:              realtime.DefaultModel,
			Voice:              realtime.DefaultVoice,
			AudioFormat:        realtime.DefaultAudioFormat,
			TranscriptionModel: "gpt-4o-mini-transcribe",
			VADEagerness:       realtime.DefaultVADEagerness,
			MaxOutputTokens:    realtime.DefaultMaxOutputTokens,
		},
		Session: Session{
			TurnGateDelay: realtime.DefaultTurnGateDelay,
			MailboxSize:   realtime.DefaultMailboxSize,
			Codec:         "twilio",
			SampleRate:    8000,
		},
		Storage: Storage{Driver: "sqlite", DSN: "data/realtime-hub.db"},
		Agents:  Agents{File: "agents.yaml"},
	}
}

// Load reads path over the defaults and then applies environment
// overrides. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	apiKey, err := shared.Getenv(shared.GetenvString, EnvAPIKey, false, "")
	if err != nil {
		return err
	}
	c.OpenAI.APIKey = apiKey
	c.OpenAI.BaseURL = shared.MustGetenv(shared.GetenvString, EnvBaseURL, false, c.OpenAI.BaseURL)
	c.Storage.DSN = shared.MustGetenv(shared.GetenvString, EnvStorageDSN, false, c.Storage.DSN)
	c.Server.Addr = shared.MustGetenv(shared.GetenvString, EnvAddr, false, c.Server.Addr)
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Session.TurnGateDelay < 0 {
		errs = append(errs, errors.New("session.turn_gate_delay must not be negative"))
	}
	if c.Session.MailboxSize < 0 {
		errs = append(errs, errors.New("session.mailbox_size must not be negative"))
	}
	switch c.Session.Codec {
	case "", "twilio", "native":
	default:
		errs = append(errs, fmt.Errorf("session.codec %q is not supported", c.Session.Codec))
	}
	if driver, err := storage.ParseDriver(c.Storage.Driver); err != nil {
		errs = append(errs, err)
	} else if driver == storage.DriverPostgres && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for postgres"))
	}
	if c.OpenAI.MaxOutputTokens < 0 {
		errs = append(errs, errors.New("openai.max_output_tokens must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) ModelSettings() realtime.ModelSettings {
	return realtime.ModelSettings{
		Voice:              c.OpenAI.Voice,
		AudioFormat:        c.OpenAI.AudioFormat,
		TranscriptionModel: c.OpenAI.TranscriptionModel,
		InputLanguage:      c.OpenAI.InputLanguage,
		NoiseReduction:     c.OpenAI.NoiseReduction,
		VADEagerness:       c.OpenAI.VADEagerness,
		MaxOutputTokens:    c.OpenAI.MaxOutputTokens,
	}
}
