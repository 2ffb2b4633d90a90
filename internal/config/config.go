package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

type Config struct {
	Mode Mode

	Port     string
	LogLevel string
	UserID   string

	// HTTP surface token bucket; RateLimit <= 0 disables it.
	RateLimit float64
	RateBurst int

	// LLM
	LLMBackend   string // "mock", "gemini" or "vertex"
	GeminiAPIKey string
	GCPProjectID string
	GCPLocation  string
	ModelName    string
	ImageModel   string
	TTSModel     string
	TTSVoice     string

	// Storage
	StorageBackend       string // "memory", "bolt", "firestore" or "postgres"
	PersistMode          string // "snapshot" or "incremental"
	BoltPath             string
	StorageQuotaBytes    int
	PostgresURL          string
	AttachmentLimitBytes int

	AudioOutput string // "none" or "oto"
}

// fileConfig is the optional YAML file named by FARUM_CONFIG_FILE. Its values
// act as defaults; environment variables win.
type fileConfig struct {
	Mode   string `yaml:"mode"`
	Server struct {
		Port      string `yaml:"port"`
		LogLevel  string `yaml:"log_level"`
		UserID    string `yaml:"user_id"`
		RateLimit struct {
			RPS   string `yaml:"rps"`
			Burst string `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	LLM struct {
		Backend      string `yaml:"backend"`
		GeminiAPIKey string `yaml:"gemini_api_key"`
		GCPProject   string `yaml:"gcp_project"`
		GCPLocation  string `yaml:"gcp_location"`
		Model        string `yaml:"model"`
		ImageModel   string `yaml:"image_model"`
		TTSModel     string `yaml:"tts_model"`
		TTSVoice     string `yaml:"tts_voice"`
	} `yaml:"llm"`
	Storage struct {
		Backend              string `yaml:"backend"`
		PersistMode          string `yaml:"persist_mode"`
		BoltPath             string `yaml:"bolt_path"`
		QuotaBytes           string `yaml:"quota_bytes"`
		PostgresURL          string `yaml:"postgres_url"`
		AttachmentLimitBytes string `yaml:"attachment_limit_bytes"`
	} `yaml:"storage"`
	Audio struct {
		Output string `yaml:"output"`
	} `yaml:"audio"`
}

// values maps the file onto the env keys it provides defaults for.
func (f *fileConfig) values() map[string]string {
	return map[string]string{
		"FARUM_MODE":                   f.Mode,
		"FARUM_PORT":                   f.Server.Port,
		"FARUM_LOG_LEVEL":              f.Server.LogLevel,
		"FARUM_USER_ID":                f.Server.UserID,
		"FARUM_RATE_LIMIT":             f.Server.RateLimit.RPS,
		"FARUM_RATE_BURST":             f.Server.RateLimit.Burst,
		"FARUM_LLM_BACKEND":            f.LLM.Backend,
		"FARUM_GEMINI_API_KEY":         f.LLM.GeminiAPIKey,
		"FARUM_GCP_PROJECT":            f.LLM.GCPProject,
		"FARUM_GCP_LOCATION":           f.LLM.GCPLocation,
		"FARUM_MODEL_NAME":             f.LLM.Model,
		"FARUM_IMAGE_MODEL":            f.LLM.ImageModel,
		"FARUM_TTS_MODEL":              f.LLM.TTSModel,
		"FARUM_TTS_VOICE":              f.LLM.TTSVoice,
		"FARUM_STORAGE_BACKEND":        f.Storage.Backend,
		"FARUM_PERSIST_MODE":           f.Storage.PersistMode,
		"FARUM_BOLT_PATH":              f.Storage.BoltPath,
		"FARUM_STORAGE_QUOTA_BYTES":    f.Storage.QuotaBytes,
		"FARUM_POSTGRES_URL":           f.Storage.PostgresURL,
		"FARUM_ATTACHMENT_LIMIT_BYTES": f.Storage.AttachmentLimitBytes,
		"FARUM_AUDIO_OUTPUT":           f.Audio.Output,
	}
}

func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return f.values(), nil
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
}

func (s source) getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := s.file[key]; v != "" {
		return v
	}
	return def
}

func (s source) getBoolEnv(key string, def bool) bool {
	v := s.getEnv(key, "")
	if v == "" {
		return def
	}
	if v == "1" || v == "true" || v == "TRUE" {
		return true
	}
	return false
}

func (s source) getIntEnv(key string, def int) int {
	v := s.getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s source) getFloatEnv(key string, def float64) float64 {
	v := s.getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Load reads .env (if present), the optional YAML file and all env vars and
// builds the config.
func Load() (*Config, error) {
	// Existing environment variables win over the file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	file, err := readFile(os.Getenv("FARUM_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	modeStr := src.getEnv("FARUM_MODE", "local")
	var mode Mode
	switch modeStr {
	case "gcp":
		mode = ModeGCP
	default:
		mode = ModeLocal
	}

	defaultLLM := "mock"
	if mode == ModeGCP {
		defaultLLM = "vertex"
	}
	if src.getBoolEnv("FARUM_USE_MOCK_LLM", false) {
		defaultLLM = "mock"
	}

	cfg := &Config{
		Mode: mode,

		Port:     src.getEnv("FARUM_PORT", "8080"),
		LogLevel: src.getEnv("FARUM_LOG_LEVEL", "info"),
		UserID:   src.getEnv("FARUM_USER_ID", "local"),

		RateLimit: src.getFloatEnv("FARUM_RATE_LIMIT", 20),
		RateBurst: src.getIntEnv("FARUM_RATE_BURST", 40),

		LLMBackend:   src.getEnv("FARUM_LLM_BACKEND", defaultLLM),
		GeminiAPIKey: src.getEnv("FARUM_GEMINI_API_KEY", ""),
		GCPProjectID: src.getEnv("FARUM_GCP_PROJECT", ""),
		GCPLocation:  src.getEnv("FARUM_GCP_LOCATION", "us-central1"),
		ModelName:    src.getEnv("FARUM_MODEL_NAME", "gemini-2.5-flash"),
		ImageModel:   src.getEnv("FARUM_IMAGE_MODEL", "gemini-2.5-flash-image"),
		TTSModel:     src.getEnv("FARUM_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		TTSVoice:     src.getEnv("FARUM_TTS_VOICE", "Kore"),

		StorageBackend:       src.getEnv("FARUM_STORAGE_BACKEND", "memory"),
		BoltPath:             src.getEnv("FARUM_BOLT_PATH", "data/farum.bolt"),
		StorageQuotaBytes:    src.getIntEnv("FARUM_STORAGE_QUOTA_BYTES", 5*1024*1024),
		PostgresURL:          src.getEnv("FARUM_POSTGRES_URL", ""),
		AttachmentLimitBytes: src.getIntEnv("FARUM_ATTACHMENT_LIMIT_BYTES", 100*1024),

		AudioOutput: src.getEnv("FARUM_AUDIO_OUTPUT", "none"),
	}
	cfg.PersistMode = src.getEnv("FARUM_PERSIST_MODE", defaultPersistMode(cfg.StorageBackend))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultPersistMode(backend string) string {
	switch backend {
	case "firestore", "postgres":
		return "incremental"
	default:
		return "snapshot"
	}
}

func (c *Config) validate() error {
	switch c.LLMBackend {
	case "mock", "gemini", "vertex":
	default:
		return fmt.Errorf("FARUM_LLM_BACKEND %q is not one of mock, gemini, vertex", c.LLMBackend)
	}
	if c.LLMBackend == "vertex" && c.GCPProjectID == "" {
		return fmt.Errorf("FARUM_GCP_PROJECT must be set for the vertex backend")
	}
	if c.LLMBackend == "gemini" && c.GeminiAPIKey == "" {
		return fmt.Errorf("FARUM_GEMINI_API_KEY must be set for the gemini backend")
	}
	switch c.StorageBackend {
	case "memory", "bolt":
	case "firestore":
		if c.GCPProjectID == "" {
			return fmt.Errorf("FARUM_GCP_PROJECT is required for Firestore storage backend")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("FARUM_POSTGRES_URL is required for postgres storage backend")
		}
	default:
		return fmt.Errorf("unknown FARUM_STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.PersistMode != "snapshot" && c.PersistMode != "incremental" {
		return fmt.Errorf("FARUM_PERSIST_MODE %q is not one of snapshot, incremental", c.PersistMode)
	}
	switch c.AudioOutput {
	case "none", "oto":
	default:
		return fmt.Errorf("FARUM_AUDIO_OUTPUT %q is not one of none, oto", c.AudioOutput)
	}
	return nil
}
