package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	TTS         TTSConfig       `yaml:"tts"`
	LLM         LLMConfig       `yaml:"llm"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type TTSConfig struct {
	Mode               string  `yaml:"mode"` // openai, exec, mock
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"`
	Model              string  `yaml:"model"`
	Voice              string  `yaml:"voice"`
	Format             string  `yaml:"format"`
	Speed              float64 `yaml:"speed"`
	Command            string  `yaml:"command"`
	IdleTimeoutMS      int     `yaml:"idle_timeout_ms"`
	BreakerMaxFailures int     `yaml:"breaker_max_failures"`
	BreakerResetMS     int     `yaml:"breaker_reset_ms"`
	MockChunkBytes     int     `yaml:"mock_chunk_bytes"`
	MockChunks         int     `yaml:"mock_chunks"`
	MockIntervalMS     int     `yaml:"mock_interval_ms"`
}

type LLMConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // openai, ollama, mock
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
}

type HistoryConfig struct {
	Driver             string `yaml:"driver"` // sqlite, postgres, memory
	Path               string `yaml:"path"`
	DSN                string `yaml:"dsn"`
	MaxDocumentBytes   int    `yaml:"max_document_bytes"`
	FreeCharacterLimit int    `yaml:"free_character_limit"`
}

const defaultSystemPrompt = "You are Ayaan Grobot, a friendly and knowledgeable personal assistant. " +
	"Answer clearly and concisely, ask a follow-up question when a request is ambiguous, " +
	"and keep a warm, conversational tone."

func Default() Config {
	return Config{
		RuntimeName: "speech-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           3000,
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   0,
			RateLimitBurst: 10,
			MaxBodyBytes:   1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		TTS: TTSConfig{
			Mode:               "openai",
			Model:              "tts-1",
			Voice:              "alloy",
			Format:             "mp3",
			Speed:              1.0,
			IdleTimeoutMS:      15000,
			BreakerMaxFailures: 5,
			BreakerResetMS:     30000,
			MockChunkBytes:     4096,
			MockChunks:         8,
			MockIntervalMS:     50,
		},
		LLM: LLMConfig{
			Enabled:      false,
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3-8b-8192",
			SystemPrompt: defaultSystemPrompt,
			MaxTokens:    2048,
			Temperature:  0.7,
		},
		History: HistoryConfig{
			Driver:             "sqlite",
			Path:               "./data/speech-history.db",
			MaxDocumentBytes:   1048576,
			FreeCharacterLimit: 1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEECH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPEECH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECH_HTTP_PORT")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "SPEECH_HTTP_CORS_ORIGINS")
	overrideFloat(&cfg.HTTP.RateLimitRPS, "SPEECH_HTTP_RATE_LIMIT_RPS")
	overrideInt(&cfg.HTTP.RateLimitBurst, "SPEECH_HTTP_RATE_LIMIT_BURST")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "SPEECH_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SPEECH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SPEECH_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SPEECH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECH_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "SPEECH_TTS_MODE")
	overrideString(&cfg.TTS.APIKey, "SPEECH_TTS_API_KEY")
	fallbackString(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "SPEECH_TTS_BASE_URL")
	overrideString(&cfg.TTS.Model, "SPEECH_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "SPEECH_TTS_VOICE")
	overrideString(&cfg.TTS.Format, "SPEECH_TTS_FORMAT")
	overrideFloat(&cfg.TTS.Speed, "SPEECH_TTS_SPEED")
	overrideString(&cfg.TTS.Command, "SPEECH_TTS_COMMAND")
	overrideInt(&cfg.TTS.IdleTimeoutMS, "SPEECH_TTS_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.TTS.BreakerMaxFailures, "SPEECH_TTS_BREAKER_MAX_FAILURES")
	overrideInt(&cfg.TTS.BreakerResetMS, "SPEECH_TTS_BREAKER_RESET_MS")
	overrideBool(&cfg.LLM.Enabled, "SPEECH_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "SPEECH_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SPEECH_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "SPEECH_LLM_API_KEY")
	fallbackString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "SPEECH_LLM_BASE_URL")
	overrideString(&cfg.LLM.Model, "SPEECH_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "SPEECH_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "SPEECH_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SPEECH_LLM_TEMPERATURE")
	overrideString(&cfg.History.Driver, "SPEECH_HISTORY_DRIVER")
	overrideString(&cfg.History.Path, "SPEECH_HISTORY_PATH")
	overrideString(&cfg.History.DSN, "SPEECH_HISTORY_DSN")
	overrideInt(&cfg.History.MaxDocumentBytes, "SPEECH_HISTORY_MAX_DOCUMENT_BYTES")
	overrideInt(&cfg.History.FreeCharacterLimit, "SPEECH_HISTORY_FREE_CHARACTER_LIMIT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

// fallbackString only fills target when nothing else configured it.
func fallbackString(target *string, envKey string) {
	if *target != "" {
		return
	}
	overrideString(target, envKey)
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.RateLimitRPS < 0 {
		return errors.New("http.rate_limit_rps must be >= 0")
	}
	if cfg.HTTP.RateLimitRPS > 0 && cfg.HTTP.RateLimitBurst <= 0 {
		return errors.New("http.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.TTS.Mode {
	case "openai", "exec", "mock":
	default:
		return errors.New("tts.mode must be one of openai|exec|mock")
	}
	if cfg.TTS.Mode == "openai" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key (or OPENAI_API_KEY) must be set when mode=openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Model == "" || cfg.TTS.Voice == "" || cfg.TTS.Format == "" {
		return errors.New("tts.model, tts.voice and tts.format must not be empty")
	}
	if cfg.TTS.Speed < 0.25 || cfg.TTS.Speed > 4.0 {
		return errors.New("tts.speed must be between 0.25 and 4.0")
	}
	if cfg.TTS.IdleTimeoutMS < 0 {
		return errors.New("tts.idle_timeout_ms must be >= 0")
	}
	if cfg.TTS.BreakerMaxFailures < 0 || cfg.TTS.BreakerResetMS < 0 {
		return errors.New("tts breaker settings must be >= 0")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key (or OPENAI_API_KEY) must be set when mode=openai")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	switch cfg.History.Driver {
	case "sqlite":
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when driver=sqlite")
		}
	case "postgres":
		if cfg.History.DSN == "" {
			return errors.New("history.dsn must not be empty when driver=postgres")
		}
	case "memory":
	default:
		return errors.New("history.driver must be one of sqlite|postgres|memory")
	}
	if cfg.History.MaxDocumentBytes <= 0 {
		return errors.New("history.max_document_bytes must be positive")
	}
	if cfg.History.FreeCharacterLimit < 0 {
		return errors.New("history.free_character_limit must be >= 0")
	}
	return nil
}
