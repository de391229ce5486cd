package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// ASR service
	ASRAPIKey   string
	ASREndpoint string

	// Vision model
	VisionAPIKey   string
	VisionModel    string
	VisionEndpoint string
	VisionTimeout  time.Duration
	VisionRetries  int

	// TTS service
	TTSAPIKey  string
	TTSModel   string
	TTSTimeout time.Duration
	TTSRetries int

	// Trigger detection
	TriggerPhrases []string
	FuzzyThreshold float64
	Cooldown       time.Duration

	// Capture
	CaptureTimeout time.Duration
	CaptureRetries int
	MaxImageBytes  int

	// Resource gate
	MinFreeMemoryPct float64

	// Playback
	ChunkSize       int
	SampleRate      int
	PlaybackTimeout time.Duration

	// Event bus
	HistoryCapacity int

	// Image archive
	ImagesDir      string
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
}

var defaultTriggerPhrases = []string{
	"describe the view",
	"what is this",
	"what am i looking at",
	"what do you see",
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	logger := log.WithComponent("config")

	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("no .env file found")
	}

	cfg := Config{
		HTTPAddress:      envStr("HTTP_ADDRESS", ":8000"),
		ASRAPIKey:        os.Getenv("ASR_API_KEY"),
		ASREndpoint:      envStr("ASR_ENDPOINT", "wss://dashscope.aliyuncs.com/api/v1/services/audio/asr"),
		VisionAPIKey:     os.Getenv("VISION_API_KEY"),
		VisionModel:      envStr("VISION_MODEL", "qwen-vl-plus"),
		VisionEndpoint:   envStr("VISION_ENDPOINT", "https://dashscope.aliyuncs.com/api/v1/services/aigc/multimodal-generation/generation"),
		VisionTimeout:    envDuration("VISION_TIMEOUT_SECONDS", 15*time.Second),
		VisionRetries:    envInt("VISION_RETRIES", 1),
		TTSAPIKey:        os.Getenv("DEEPGRAM_API_KEY"),
		TTSModel:         envStr("TTS_MODEL", "aura-2-thalia-en"),
		TTSTimeout:       envDuration("TTS_TIMEOUT_SECONDS", 5*time.Second),
		TTSRetries:       envInt("TTS_RETRIES", 1),
		TriggerPhrases:   envList("TRIGGER_PHRASES", defaultTriggerPhrases),
		FuzzyThreshold:   envFloat("FUZZY_MATCH_THRESHOLD", 0.85),
		Cooldown:         envDuration("COOLDOWN_SECONDS", 3*time.Second),
		CaptureTimeout:   envDuration("CAPTURE_TIMEOUT_SECONDS", 5*time.Second),
		CaptureRetries:   envInt("CAPTURE_RETRIES", 2),
		MaxImageBytes:    envInt("MAX_IMAGE_BYTES", 200*1024),
		MinFreeMemoryPct: envFloat("MIN_FREE_MEMORY_PCT", 20.0),
		ChunkSize:        envInt("AUDIO_CHUNK_SIZE", 4096),
		SampleRate:       envInt("AUDIO_SAMPLE_RATE", 16000),
		PlaybackTimeout:  envDuration("PLAYBACK_TIMEOUT_SECONDS", 30*time.Second),
		HistoryCapacity:  envInt("EVENT_BUFFER_SIZE", 100),
		ImagesDir:        envStr("IMAGES_DIR", "images"),
		SupabaseURL:      os.Getenv("SUPABASE_URL"),
		SupabaseKey:      os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:   envStr("SUPABASE_BUCKET", "captures"),
	}

	if cfg.ASRAPIKey == "" {
		logger.Warn().Msg("ASR_API_KEY not set - transcription will not work")
	}
	if cfg.VisionAPIKey == "" {
		logger.Warn().Msg("VISION_API_KEY not set - vision analysis will not work")
	}
	if cfg.TTSAPIKey == "" {
		logger.Warn().Msg("DEEPGRAM_API_KEY not set - speech synthesis disabled, results are text-only")
	}

	logger.Info().
		Str("http_address", cfg.HTTPAddress).
		Int("trigger_phrases", len(cfg.TriggerPhrases)).
		Msg("configuration loaded")
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration reads a whole or fractional number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
