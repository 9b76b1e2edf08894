package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice-turn pipeline service.
type Config struct {
	BindAddr         string
	PublicHost       string
	MediaWSPath      string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Turn-taking knobs.
	ChunkThreshold   time.Duration
	SilenceTimeout   time.Duration
	MaxBuffer        time.Duration
	MinWordsPerChunk int

	// Audio path. The signaling layer delivers 16-bit mono PCM at the
	// telephony rate; the transcription engine wants 16 kHz WAV.
	InputSampleRate      int
	TranscribeSampleRate int
	VADAggressiveness    int

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	TranscribeModel    string
	TranscribeLanguage string
	ChatModel          string
	ChatMaxTokens      int
	ChatTemperature    float64
	TTSModel           string
	TTSVoice           string
	SystemPrompt       string

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	PlaybackTimeout   time.Duration

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioAPIBaseURL string

	AudioDir           string
	AssetTTL           time.Duration
	AssetSweepInterval time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("VOX_BIND_ADDR", ":8000"),
		PublicHost:           stringsTrimSpace("VOX_PUBLIC_HOST"),
		MediaWSPath:          envOrDefault("VOX_MEDIA_WS_PATH", "/media"),
		MetricsNamespace:     envOrDefault("VOX_METRICS_NAMESPACE", "voxline"),
		AllowAnyOrigin:       false,
		ChunkThreshold:       800 * time.Millisecond,
		SilenceTimeout:       time.Second,
		MaxBuffer:            20 * time.Second,
		MinWordsPerChunk:     5,
		InputSampleRate:      8000,
		TranscribeSampleRate: 16000,
		VADAggressiveness:    2,
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:        envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		TranscribeModel:      envOrDefault("VOX_TRANSCRIBE_MODEL", "whisper-1"),
		TranscribeLanguage:   envOrDefault("VOX_TRANSCRIBE_LANGUAGE", "es"),
		ChatModel:            envOrDefault("VOX_CHAT_MODEL", "gpt-4o-mini"),
		ChatMaxTokens:        250,
		ChatTemperature:      0.2,
		TTSModel:             envOrDefault("VOX_TTS_MODEL", "gpt-4o-mini-tts"),
		TTSVoice:             envOrDefault("VOX_TTS_VOICE", "alloy"),
		SystemPrompt:         envOrDefault("VOX_SYSTEM_PROMPT", "Eres un asistente telefónico amable y conciso. Responde siempre en español con frases cortas y claras."),
		TranscribeTimeout:    20 * time.Second,
		GenerateTimeout:      60 * time.Second,
		SynthesizeTimeout:    30 * time.Second,
		PlaybackTimeout:      10 * time.Second,
		TwilioAccountSID:     stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioAPIBaseURL:     envOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),
		AudioDir:             envOrDefault("VOX_AUDIO_DIR", "static/audio"),
		AssetTTL:             10 * time.Minute,
		AssetSweepInterval:   time.Minute,
		ShutdownTimeout:      15 * time.Second,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("VOX_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkThreshold, err = durationFromEnv("VOX_CHUNK_THRESHOLD", cfg.ChunkThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceTimeout, err = durationFromEnv("VOX_SILENCE_TIMEOUT", cfg.SilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxBuffer, err = durationFromEnv("VOX_MAX_BUFFER", cfg.MaxBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.AssetTTL, err = durationFromEnv("VOX_ASSET_TTL", cfg.AssetTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AssetSweepInterval, err = durationFromEnv("VOX_ASSET_SWEEP_INTERVAL", cfg.AssetSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscribeTimeout, err = durationFromEnv("VOX_TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("VOX_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesizeTimeout, err = durationFromEnv("VOX_SYNTHESIZE_TIMEOUT", cfg.SynthesizeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackTimeout, err = durationFromEnv("VOX_PLAYBACK_TIMEOUT", cfg.PlaybackTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MinWordsPerChunk, err = intFromEnv("VOX_MIN_WORDS_PER_CHUNK", cfg.MinWordsPerChunk)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("VOX_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscribeSampleRate, err = intFromEnv("VOX_TRANSCRIBE_SAMPLE_RATE", cfg.TranscribeSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.VADAggressiveness, err = intFromEnv("VOX_VAD_AGGRESSIVENESS", cfg.VADAggressiveness)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatMaxTokens, err = intFromEnv("VOX_CHAT_MAX_TOKENS", cfg.ChatMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatTemperature, err = floatFromEnv("VOX_CHAT_TEMPERATURE", cfg.ChatTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("VOX_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if !strings.HasPrefix(cfg.MediaWSPath, "/") {
		return Config{}, fmt.Errorf("VOX_MEDIA_WS_PATH must start with /")
	}
	if cfg.ChunkThreshold < 100*time.Millisecond {
		return Config{}, fmt.Errorf("VOX_CHUNK_THRESHOLD must be at least 100ms")
	}
	if cfg.SilenceTimeout <= 0 {
		return Config{}, fmt.Errorf("VOX_SILENCE_TIMEOUT must be positive")
	}
	if cfg.MaxBuffer <= cfg.ChunkThreshold {
		return Config{}, fmt.Errorf("VOX_MAX_BUFFER must exceed VOX_CHUNK_THRESHOLD")
	}
	if cfg.MinWordsPerChunk <= 0 {
		return Config{}, fmt.Errorf("VOX_MIN_WORDS_PER_CHUNK must be positive")
	}
	if cfg.InputSampleRate <= 0 || cfg.TranscribeSampleRate <= 0 {
		return Config{}, fmt.Errorf("sample rates must be positive")
	}
	if cfg.VADAggressiveness < 0 || cfg.VADAggressiveness > 3 {
		return Config{}, fmt.Errorf("VOX_VAD_AGGRESSIVENESS must be between 0 and 3")
	}
	if cfg.ChatMaxTokens <= 0 {
		return Config{}, fmt.Errorf("VOX_CHAT_MAX_TOKENS must be positive")
	}
	if cfg.ChatTemperature < 0 || cfg.ChatTemperature > 2 {
		return Config{}, fmt.Errorf("VOX_CHAT_TEMPERATURE must be between 0 and 2")
	}

	return cfg, nil
}

// PublicBaseURL returns the externally reachable https base URL, stripping any
// scheme the operator left on VOX_PUBLIC_HOST.
func (c Config) PublicBaseURL() string {
	host := publicHostname(c.PublicHost)
	if host == "" {
		return ""
	}
	return "https://" + host
}

// MediaStreamURL returns the wss URL the signaling layer should stream call
// audio to.
func (c Config) MediaStreamURL(callSID string) string {
	return "wss://" + publicHostname(c.PublicHost) + c.MediaWSPath + "/" + callSID
}

func publicHostname(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimSuffix(v, "/")
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
