// Package config provides persistent configuration for the go-panda
// voice subsystem. Settings are stored as JSON under the panda home
// directory (~/.panda1 by default) and validated on load and save.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// LanguageMode controls speech recognition and synthesis language routing.
type LanguageMode string

const (
	LanguageAuto    LanguageMode = "auto"
	LanguageEnglish LanguageMode = "en"
	LanguageKorean  LanguageMode = "ko"
)

// Defaults used when values are not specified.
const (
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultMinRecording    = 300 * time.Millisecond
	DefaultMaxRecording    = 30 * time.Second
	DefaultSleepTimeout    = 5 * time.Minute
	DefaultWakeAckPhrase   = "Yes?"
	DefaultWebPort         = 8770
	DefaultLevelThreshold  = 0.01
	DefaultMinChunkChars   = 40
	DefaultMaxChunkChars   = 200
	DefaultConfigFileName  = "voice_config.json"
	DefaultHomeDirName     = ".panda1"
	DefaultSynthServerURL  = "http://127.0.0.1:8880"
	DefaultSynthTimeout    = 30 * time.Second
	DefaultPlaybackTimeout = 60 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CaptureConfig holds push-to-talk capture settings.
type CaptureConfig struct {
	InputDevice    *int    `json:"input_device" validate:"omitempty,gte=0"` // nil = system default
	SampleRate     int     `json:"sample_rate" validate:"required,gte=8000,lte=48000"`
	Channels       int     `json:"channels" validate:"required,eq=1"`
	MinDurationMs  int     `json:"min_duration_ms" validate:"gte=0,lte=5000"`
	MaxDurationMs  int     `json:"max_duration_ms" validate:"gte=1000,lte=300000"`
	SaveRecordings bool    `json:"save_recordings"`
	LevelThreshold float64 `json:"level_threshold" validate:"gte=0,lte=1"` // RMS silence threshold
}

// SynthConfig holds text-to-speech settings.
type SynthConfig struct {
	Enabled   bool    `json:"enabled"`
	Muted     bool    `json:"muted"`
	Speed     float64 `json:"speed" validate:"gte=0.5,lte=2"`
	Volume    float64 `json:"volume" validate:"gte=0,lte=1"`
	VoiceEN   string  `json:"voice_en" validate:"required,max=64"`
	VoiceKO   string  `json:"voice_ko" validate:"required,max=64"`
	Backend   string  `json:"backend" validate:"omitempty,oneof=server piper null"` // empty = auto chain
	ServerURL string  `json:"server_url" validate:"omitempty,url"`
	PiperPath string  `json:"piper_path" validate:"omitempty,max=4096"`
	Device    string  `json:"device" validate:"omitempty,oneof=cuda cpu"` // empty = auto
}

// PlaybackConfig holds audio output settings.
type PlaybackConfig struct {
	OutputDevice *int   `json:"output_device" validate:"omitempty,gte=0"` // nil = system default
	PlayerCmd    string `json:"player_cmd" validate:"omitempty,max=4096"` // explicit external player
}

// WakeConfig holds always-listening wake phrase settings.
type WakeConfig struct {
	Enabled        bool     `json:"enabled"`
	Phrases        []string `json:"phrases" validate:"omitempty,dive,min=2,max=64"`
	SleepTimeoutS  int      `json:"sleep_timeout_s" validate:"gte=10,lte=3600"`
	AckPhrase      string   `json:"ack_phrase" validate:"max=128"`
	SpokenAck      bool     `json:"spoken_ack"`
	WindowMs       int      `json:"window_ms" validate:"gte=100,lte=2000"`
	MaxUtteranceMs int      `json:"max_utterance_ms" validate:"gte=1000,lte=30000"`
}

// STTConfig holds the knobs handed to the external speech recognizer.
// The engine consumes recognition behind an interface; these values are
// carried in the config surface so front ends can configure the
// recognizer in one place.
type STTConfig struct {
	Model     string `json:"model" validate:"required,max=64"`
	BeamSize  int    `json:"beam_size" validate:"gte=1,lte=16"`
	VadFilter bool   `json:"vad_filter"`
}

// ChunkerConfig holds streaming sentence chunker settings.
type ChunkerConfig struct {
	MinChunkChars int `json:"min_chunk_chars" validate:"gte=1,lte=500"`
	MaxChunkChars int `json:"max_chunk_chars" validate:"gte=10,lte=2000"`
}

// Config holds all voice subsystem configuration.
// It is safe for concurrent use through Load/Save; fields are treated as
// read-only snapshots by the components that receive them.
type Config struct {
	LanguageMode LanguageMode   `json:"language_mode" validate:"required,oneof=auto en ko"`
	Capture      CaptureConfig  `json:"capture"`
	STT          STTConfig      `json:"stt"`
	Synth        SynthConfig    `json:"synth"`
	Playback     PlaybackConfig `json:"playback"`
	Wake         WakeConfig     `json:"wake"`
	Chunker      ChunkerConfig  `json:"chunker"`

	// BargeIn controls whether starting a recording interrupts speech that
	// is still playing. Off by default: push-to-talk and playback coexist.
	BargeIn bool `json:"barge_in"`

	WebPort int `json:"web_port" validate:"gte=0,lte=65535"`

	mu       sync.Mutex
	filePath string
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		LanguageMode: LanguageAuto,
		Capture: CaptureConfig{
			SampleRate:     DefaultSampleRate,
			Channels:       DefaultChannels,
			MinDurationMs:  int(DefaultMinRecording / time.Millisecond),
			MaxDurationMs:  int(DefaultMaxRecording / time.Millisecond),
			LevelThreshold: DefaultLevelThreshold,
		},
		STT: STTConfig{
			Model:     "large-v3",
			BeamSize:  5,
			VadFilter: true,
		},
		Synth: SynthConfig{
			Enabled:   true,
			Speed:     1.0,
			Volume:    1.0,
			VoiceEN:   "am_michael",
			VoiceKO:   "km_omega",
			ServerURL: DefaultSynthServerURL,
		},
		Wake: WakeConfig{
			Phrases:        []string{"hey panda", "yo panda"},
			SleepTimeoutS:  int(DefaultSleepTimeout / time.Second),
			AckPhrase:      DefaultWakeAckPhrase,
			SpokenAck:      true,
			WindowMs:       500,
			MaxUtteranceMs: 10000,
		},
		Chunker: ChunkerConfig{
			MinChunkChars: DefaultMinChunkChars,
			MaxChunkChars: DefaultMaxChunkChars,
		},
		WebPort: DefaultWebPort,
	}
}

// Home returns the panda home directory, honoring PANDA_HOME.
func Home() string {
	if home := os.Getenv("PANDA_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return DefaultHomeDirName
	}
	return filepath.Join(userHome, DefaultHomeDirName)
}

// Load reads configuration from path, falling back to defaults for any
// missing file. A present but invalid file is an error: silently reverting
// a user's devices or wake phrases would be worse than failing loudly.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.filePath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks all configuration fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Capture.MinDurationMs >= c.Capture.MaxDurationMs {
		return fmt.Errorf("capture: min_duration_ms (%d) must be below max_duration_ms (%d)",
			c.Capture.MinDurationMs, c.Capture.MaxDurationMs)
	}
	if c.Chunker.MinChunkChars >= c.Chunker.MaxChunkChars {
		return fmt.Errorf("chunker: min_chunk_chars (%d) must be below max_chunk_chars (%d)",
			c.Chunker.MinChunkChars, c.Chunker.MaxChunkChars)
	}
	return nil
}

// Save writes the configuration back to its file path.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return fmt.Errorf("config has no file path")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, c.filePath)
}

// Path returns the file path the config was loaded from.
func (c *Config) Path() string {
	return c.filePath
}

// Clone returns a deep copy of the configuration values. The clone keeps
// the same file path, so Save on it writes to the same place.
func (c *Config) Clone() *Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &Config{
		LanguageMode: c.LanguageMode,
		Capture:      c.Capture,
		STT:          c.STT,
		Synth:        c.Synth,
		Playback:     c.Playback,
		Wake:         c.Wake,
		Chunker:      c.Chunker,
		BargeIn:      c.BargeIn,
		WebPort:      c.WebPort,
		filePath:     c.filePath,
	}
	if c.Capture.InputDevice != nil {
		v := *c.Capture.InputDevice
		out.Capture.InputDevice = &v
	}
	if c.Playback.OutputDevice != nil {
		v := *c.Playback.OutputDevice
		out.Playback.OutputDevice = &v
	}
	out.Wake.Phrases = append([]string(nil), c.Wake.Phrases...)
	return out
}

// Update replaces the configuration values with those of other. Components
// that read live values must do so through the mu-guarded accessors below;
// raw field reads are only safe before the web server starts serving.
func (c *Config) Update(other *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.LanguageMode = other.LanguageMode
	c.Capture = other.Capture
	c.STT = other.STT
	c.Synth = other.Synth
	c.Playback = other.Playback
	c.Wake = other.Wake
	c.Chunker = other.Chunker
	c.BargeIn = other.BargeIn
	c.WebPort = other.WebPort
}

// BargeInEnabled reports the live barge-in policy.
func (c *Config) BargeInEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BargeIn
}

// Language returns the live language mode.
func (c *Config) Language() LanguageMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LanguageMode
}

// ChunkerSettings returns a copy of the live chunker section.
func (c *Config) ChunkerSettings() ChunkerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Chunker
}

// WakeSettings returns a copy of the live wake section. The phrase slice
// is copied so the caller never aliases a patched one.
func (c *Config) WakeSettings() WakeConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.Wake
	w.Phrases = append([]string(nil), c.Wake.Phrases...)
	return w
}

// CaptureSettings returns a copy of the live capture section.
func (c *Config) CaptureSettings() CaptureConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.Capture
	if c.Capture.InputDevice != nil {
		v := *c.Capture.InputDevice
		cc.InputDevice = &v
	}
	return cc
}

// MinRecording returns the minimum recording duration.
func (c *CaptureConfig) MinRecording() time.Duration {
	return time.Duration(c.MinDurationMs) * time.Millisecond
}

// MaxRecording returns the maximum recording duration.
func (c *CaptureConfig) MaxRecording() time.Duration {
	return time.Duration(c.MaxDurationMs) * time.Millisecond
}

// SleepTimeout returns the wake-mode inactivity timeout.
func (c *WakeConfig) SleepTimeout() time.Duration {
	return time.Duration(c.SleepTimeoutS) * time.Second
}

// Window returns the wake loop sampling window size.
func (c *WakeConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// MaxUtterance returns the longest buffered utterance in wake mode.
func (c *WakeConfig) MaxUtterance() time.Duration {
	return time.Duration(c.MaxUtteranceMs) * time.Millisecond
}
