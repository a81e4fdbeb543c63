package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Operating modes select which engines are loaded.
const (
	ModeSTTOnly  = "stt_only"
	ModeTTSOnly  = "tts_only"
	ModeCombined = "combined"
)

type Server struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty" jsonschema:"minimum=1,maximum=65535"`
	STTPort  int    `json:"stt_port,omitempty" jsonschema:"minimum=1,maximum=65535,description=Dedicated endpoint serving only speech recognition"`
	TTSPort  int    `json:"tts_port,omitempty" jsonschema:"minimum=1,maximum=65535,description=Dedicated endpoint serving only speech synthesis"`
	HTTPPort int    `json:"http_port,omitempty" jsonschema:"minimum=1,maximum=65535,description=Health and WebSocket listener"`
	Mode     string `json:"mode,omitempty" jsonschema:"enum=stt_only,enum=tts_only,enum=combined"`
	DataDir  string `json:"data_dir,omitempty" jsonschema:"description=Base directory for model caches"`
}

type Session struct {
	MaxUtteranceBytes int      `json:"max_utterance_bytes,omitempty" jsonschema:"minimum=1"`
	MaxPayloadBytes   int      `json:"max_payload_bytes,omitempty" jsonschema:"minimum=1"`
	MaxHeaderBytes    int      `json:"max_header_bytes,omitempty" jsonschema:"minimum=64"`
	WriteTimeout      Duration `json:"write_timeout,omitempty"`
}

type Concurrency struct {
	Policy string `json:"policy,omitempty" jsonschema:"enum=exclusive,enum=bounded,enum=unbounded"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1"`
}

type STT struct {
	Backend     string      `json:"backend,omitempty" jsonschema:"enum=whisper,enum=google"`
	Model       string      `json:"model,omitempty" jsonschema:"description=whisper.cpp model name such as base or small"`
	Language    string      `json:"language,omitempty"`
	CacheDir    string      `json:"cache_dir,omitempty"`
	BinaryURL   string      `json:"binary_url,omitempty"`
	Timeout     Duration    `json:"timeout,omitempty"`
	Concurrency Concurrency `json:"concurrency,omitempty"`
	Google      Google      `json:"google,omitempty"`
}

type Google struct {
	Model           string `json:"model,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
}

type TTS struct {
	Backend        string      `json:"backend,omitempty" jsonschema:"enum=piper,enum=polly"`
	Voice          string      `json:"voice,omitempty"` // e.g., en_US-amy-medium
	CacheDir       string      `json:"cache_dir,omitempty"`
	BinaryURL      string      `json:"binary_url,omitempty"`
	ChunkBytes     int         `json:"chunk_bytes,omitempty" jsonschema:"minimum=2"`
	OnnxRuntimeLib string      `json:"onnxruntime_lib,omitempty" jsonschema:"description=Shared library used to verify piper voices at load"`
	Timeout        Duration    `json:"timeout,omitempty"`
	Concurrency    Concurrency `json:"concurrency,omitempty"`
	Polly          Polly       `json:"polly,omitempty"`
}

type Polly struct {
	Region     string `json:"region,omitempty"`
	Engine     string `json:"engine,omitempty" jsonschema:"enum=standard,enum=neural,enum=generative,enum=long-form"`
	SampleRate int    `json:"sample_rate,omitempty" jsonschema:"enum=8000,enum=16000"`
}

type WebSocket struct {
	Enabled    bool   `json:"enabled,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty"`
}

type Log struct {
	Level  string `json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `json:"format,omitempty" jsonschema:"enum=text,enum=json"`
	OTel   bool   `json:"otel,omitempty" jsonschema:"description=Forward log records to the OpenTelemetry bridge"`
}

type Config struct {
	Server    Server    `json:"server,omitempty"`
	Session   Session   `json:"session,omitempty"`
	STT       STT       `json:"stt,omitempty"`
	TTS       TTS       `json:"tts,omitempty"`
	WebSocket WebSocket `json:"websocket,omitempty"`
	Log       Log       `json:"log,omitempty"`
}

// Load reads the config file at path, validates it against the generated
// schema, applies VOICEGATE_* environment overrides and fills defaults. An
// empty path yields the defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := validateRaw(b); err != nil {
			return c, fmt.Errorf("config %s: %w", path, err)
		}
		if err := json.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&c, lookup); err != nil {
		return c, err
	}
	if err := c.applyDefaults(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Config) applyDefaults() error {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 10700
	}
	if c.Server.Mode == "" {
		c.Server.Mode = ModeCombined
	}
	if c.Server.DataDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("resolve cache dir: %w", err)
		}
		c.Server.DataDir = filepath.Join(base, "voicegate")
	}
	if c.Session.MaxUtteranceBytes == 0 {
		c.Session.MaxUtteranceBytes = 1_920_000
	}
	if c.Session.MaxPayloadBytes == 0 {
		c.Session.MaxPayloadBytes = 4 << 20
	}
	if c.Session.MaxHeaderBytes == 0 {
		c.Session.MaxHeaderBytes = 64 << 10
	}
	if c.Session.WriteTimeout.Duration == 0 {
		c.Session.WriteTimeout.Duration = 30 * time.Second
	}

	if c.STT.Backend == "" {
		c.STT.Backend = "whisper"
	}
	if c.STT.Model == "" {
		c.STT.Model = "base"
	}
	if c.STT.Language == "" {
		if c.STT.Backend == "google" {
			c.STT.Language = "en-US"
		} else {
			c.STT.Language = "en"
		}
	}
	if c.STT.CacheDir == "" {
		c.STT.CacheDir = filepath.Join(c.Server.DataDir, "stt")
	}
	if c.STT.Timeout.Duration == 0 {
		c.STT.Timeout.Duration = 60 * time.Second
	}
	if c.STT.Concurrency.Policy == "" {
		c.STT.Concurrency.Policy = "exclusive"
	}

	if c.TTS.Backend == "" {
		c.TTS.Backend = "piper"
	}
	if c.TTS.Voice == "" {
		if c.TTS.Backend == "polly" {
			c.TTS.Voice = "Joanna"
		} else {
			c.TTS.Voice = "en_US-amy-medium"
		}
	}
	if c.TTS.CacheDir == "" {
		c.TTS.CacheDir = filepath.Join(c.Server.DataDir, "tts")
	}
	if c.TTS.ChunkBytes == 0 {
		c.TTS.ChunkBytes = 4096
	}
	if c.TTS.Timeout.Duration == 0 {
		c.TTS.Timeout.Duration = 60 * time.Second
	}
	if c.TTS.Concurrency.Policy == "" {
		c.TTS.Concurrency.Policy = "exclusive"
	}
	if c.TTS.Polly.Engine == "" {
		c.TTS.Polly.Engine = "standard"
	}
	if c.TTS.Polly.SampleRate == 0 {
		c.TTS.Polly.SampleRate = 16000
	}

	if c.WebSocket.PathPrefix == "" {
		c.WebSocket.PathPrefix = "/ws"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}

// Validate checks constraints that span fields. Per-field types and enums
// are enforced by the schema when the file is loaded.
func (c Config) Validate() error {
	switch c.Server.Mode {
	case ModeSTTOnly, ModeTTSOnly, ModeCombined:
	default:
		return fmt.Errorf("server.mode: unknown mode %q", c.Server.Mode)
	}
	for name, cc := range map[string]Concurrency{"stt": c.STT.Concurrency, "tts": c.TTS.Concurrency} {
		if cc.Policy == "bounded" && cc.Limit < 1 {
			return fmt.Errorf("%s.concurrency: bounded policy needs limit >= 1", name)
		}
	}
	ports := map[int]string{c.Server.Port: "server.port"}
	for name, p := range map[string]int{"server.stt_port": c.Server.STTPort, "server.tts_port": c.Server.TTSPort, "server.http_port": c.Server.HTTPPort} {
		if p == 0 {
			continue
		}
		if other, dup := ports[p]; dup {
			return fmt.Errorf("%s: port %d already used by %s", name, p, other)
		}
		ports[p] = name
	}
	if c.Server.STTPort != 0 && !c.STTEnabled() {
		return fmt.Errorf("server.stt_port: speech recognition is disabled in mode %s", c.Server.Mode)
	}
	if c.Server.TTSPort != 0 && !c.TTSEnabled() {
		return fmt.Errorf("server.tts_port: speech synthesis is disabled in mode %s", c.Server.Mode)
	}
	if c.WebSocket.Enabled && c.Server.HTTPPort == 0 {
		return fmt.Errorf("websocket.enabled requires server.http_port")
	}
	return nil
}

func (c Config) STTEnabled() bool { return c.Server.Mode != ModeTTSOnly }
func (c Config) TTSEnabled() bool { return c.Server.Mode != ModeSTTOnly }

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"VOICEGATE_HOST":          &c.Server.Host,
		"VOICEGATE_MODE":          &c.Server.Mode,
		"VOICEGATE_DATA_DIR":      &c.Server.DataDir,
		"VOICEGATE_STT_BACKEND":   &c.STT.Backend,
		"VOICEGATE_STT_MODEL":     &c.STT.Model,
		"VOICEGATE_STT_CACHE_DIR": &c.STT.CacheDir,
		"VOICEGATE_TTS_BACKEND":   &c.TTS.Backend,
		"VOICEGATE_TTS_VOICE":     &c.TTS.Voice,
		"VOICEGATE_TTS_CACHE_DIR": &c.TTS.CacheDir,
		"VOICEGATE_LOG_LEVEL":     &c.Log.Level,
	}
	for k, dst := range str {
		if v, ok := lookup(k); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("VOICEGATE_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VOICEGATE_PORT: %w", err)
		}
		c.Server.Port = p
	}
	return nil
}

// Duration is a time.Duration spelled as a Go duration string in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}
