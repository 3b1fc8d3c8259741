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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Reconcile   ReconcileConfig  `yaml:"reconcile"`
	Ingest      IngestConfig     `yaml:"ingest"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// TranscriptStream names the JetStream stream that retains transcript
	// updates. Empty disables it.
	TranscriptStream         string `yaml:"transcript_stream"`
	TranscriptRetentionHours int    `yaml:"transcript_retention_hours"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Mode           string   `yaml:"mode"` // mock, exec, http, openai
	Command        string   `yaml:"command"`
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	Language       string   `yaml:"language"`
	Encoding       string   `yaml:"encoding"` // container, pcm16
	ContentType    string   `yaml:"content_type"`
	SampleRate     int      `yaml:"sample_rate"`
	Channels       int      `yaml:"channels"`
	TimeoutMS      int      `yaml:"timeout_ms"`
	MaxBlobMB      int      `yaml:"max_blob_mb"`
	AllowedFormats []string `yaml:"allowed_formats"`
}

type SchedulerConfig struct {
	QuietPeriodMS int    `yaml:"quiet_period_ms"`
	MinChunks     int    `yaml:"min_chunks"`
	HeaderChunks  int    `yaml:"header_chunks"`
	Mode          string `yaml:"mode"` // cumulative, incremental
	FlushOnStop   bool   `yaml:"flush_on_stop"`
}

type ReconcileConfig struct {
	MaxOverlapWords        int  `yaml:"max_overlap_words"`
	MinOverlapChars        int  `yaml:"min_overlap_chars"`
	MinExtractOverlapWords int  `yaml:"min_extract_overlap_words"`
	DuplicateMinChars      int  `yaml:"duplicate_min_chars"`
	ContainedMinChars      int  `yaml:"contained_min_chars"`
	FallbackOverlapWords   int  `yaml:"fallback_overlap_words"`
	PrefixMinChars         int  `yaml:"prefix_min_chars"`
	SubstringMinChars      int  `yaml:"substring_min_chars"`
	GuardShrink            bool `yaml:"guard_shrink"`
}

type IngestConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxChunkKB     int      `yaml:"max_chunk_kb"`
	WebSocket      bool     `yaml:"websocket"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			TranscriptStream:         "SCRIBE_TRANSCRIPTS",
			TranscriptRetentionHours: 24,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:     true,
			Mode:        "mock",
			Model:       "whisper-1",
			Encoding:    "container",
			ContentType: "audio/webm",
			SampleRate:  16000,
			Channels:    1,
			TimeoutMS:   45000,
			MaxBlobMB:   25,
			AllowedFormats: []string{
				"audio/mpeg", "audio/mp3", "audio/wav", "audio/x-wav", "audio/m4a",
				"audio/mp4", "audio/ogg", "audio/flac", "audio/webm",
			},
		},
		Scheduler: SchedulerConfig{
			QuietPeriodMS: 2000,
			MinChunks:     2,
			HeaderChunks:  1,
			Mode:          "cumulative",
			FlushOnStop:   true,
		},
		Reconcile: ReconcileConfig{
			MaxOverlapWords:        15,
			MinOverlapChars:        10,
			MinExtractOverlapWords: 3,
			DuplicateMinChars:      20,
			ContainedMinChars:      15,
			FallbackOverlapWords:   5,
			PrefixMinChars:         10,
			SubstringMinChars:      20,
		},
		Ingest: IngestConfig{
			Enabled:    true,
			MaxChunkKB: 1024,
			WebSocket:  true,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.TranscriptStream, "LOQA_BUS_TRANSCRIPT_STREAM")
	overrideInt(&cfg.Bus.TranscriptRetentionHours, "LOQA_BUS_TRANSCRIPT_RETENTION_HOURS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Encoding, "LOQA_STT_ENCODING")
	overrideString(&cfg.STT.ContentType, "LOQA_STT_CONTENT_TYPE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxBlobMB, "LOQA_STT_MAX_BLOB_MB")
	overrideStringSlice(&cfg.STT.AllowedFormats, "LOQA_STT_ALLOWED_FORMATS")
	overrideInt(&cfg.Scheduler.QuietPeriodMS, "LOQA_SCHEDULER_QUIET_PERIOD_MS")
	overrideInt(&cfg.Scheduler.MinChunks, "LOQA_SCHEDULER_MIN_CHUNKS")
	overrideInt(&cfg.Scheduler.HeaderChunks, "LOQA_SCHEDULER_HEADER_CHUNKS")
	overrideString(&cfg.Scheduler.Mode, "LOQA_SCHEDULER_MODE")
	overrideBool(&cfg.Scheduler.FlushOnStop, "LOQA_SCHEDULER_FLUSH_ON_STOP")
	overrideInt(&cfg.Reconcile.MaxOverlapWords, "LOQA_RECONCILE_MAX_OVERLAP_WORDS")
	overrideInt(&cfg.Reconcile.MinOverlapChars, "LOQA_RECONCILE_MIN_OVERLAP_CHARS")
	overrideInt(&cfg.Reconcile.MinExtractOverlapWords, "LOQA_RECONCILE_MIN_EXTRACT_OVERLAP_WORDS")
	overrideInt(&cfg.Reconcile.DuplicateMinChars, "LOQA_RECONCILE_DUPLICATE_MIN_CHARS")
	overrideInt(&cfg.Reconcile.ContainedMinChars, "LOQA_RECONCILE_CONTAINED_MIN_CHARS")
	overrideInt(&cfg.Reconcile.FallbackOverlapWords, "LOQA_RECONCILE_FALLBACK_OVERLAP_WORDS")
	overrideInt(&cfg.Reconcile.PrefixMinChars, "LOQA_RECONCILE_PREFIX_MIN_CHARS")
	overrideInt(&cfg.Reconcile.SubstringMinChars, "LOQA_RECONCILE_SUBSTRING_MIN_CHARS")
	overrideBool(&cfg.Reconcile.GuardShrink, "LOQA_RECONCILE_GUARD_SHRINK")
	overrideBool(&cfg.Ingest.Enabled, "LOQA_INGEST_ENABLED")
	overrideInt(&cfg.Ingest.MaxChunkKB, "LOQA_INGEST_MAX_CHUNK_KB")
	overrideBool(&cfg.Ingest.WebSocket, "LOQA_INGEST_WEBSOCKET")
	overrideStringSlice(&cfg.Ingest.AllowedOrigins, "LOQA_INGEST_ALLOWED_ORIGINS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.TranscriptRetentionHours < 0 {
		return errors.New("bus.transcript_retention_hours must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "http", "openai":
		default:
			return errors.New("stt.mode must be one of mock|exec|http|openai")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
		if cfg.STT.Mode == "openai" && cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=openai")
		}
		switch cfg.STT.Encoding {
		case "container", "pcm16":
		default:
			return errors.New("stt.encoding must be one of container|pcm16")
		}
		if cfg.STT.Encoding == "pcm16" {
			if cfg.STT.SampleRate <= 0 {
				return errors.New("stt.sample_rate must be positive")
			}
			if cfg.STT.Channels <= 0 {
				return errors.New("stt.channels must be positive")
			}
		}
		if cfg.STT.TimeoutMS <= 0 {
			return errors.New("stt.timeout_ms must be positive")
		}
		if cfg.STT.MaxBlobMB < 0 {
			return errors.New("stt.max_blob_mb must be >= 0")
		}
	}
	if cfg.Scheduler.QuietPeriodMS <= 0 {
		return errors.New("scheduler.quiet_period_ms must be positive")
	}
	if cfg.Scheduler.MinChunks < 1 {
		return errors.New("scheduler.min_chunks must be >= 1")
	}
	if cfg.Scheduler.HeaderChunks < 0 {
		return errors.New("scheduler.header_chunks must be >= 0")
	}
	if cfg.Scheduler.HeaderChunks >= cfg.Scheduler.MinChunks {
		return errors.New("scheduler.min_chunks must exceed scheduler.header_chunks")
	}
	switch cfg.Scheduler.Mode {
	case "cumulative", "incremental":
	default:
		return errors.New("scheduler.mode must be one of cumulative|incremental")
	}
	if cfg.Reconcile.MaxOverlapWords <= 0 {
		return errors.New("reconcile.max_overlap_words must be positive")
	}
	if cfg.Reconcile.MinExtractOverlapWords <= 0 || cfg.Reconcile.MinExtractOverlapWords > cfg.Reconcile.MaxOverlapWords {
		return errors.New("reconcile.min_extract_overlap_words must be between 1 and max_overlap_words")
	}
	if cfg.Reconcile.FallbackOverlapWords <= 0 {
		return errors.New("reconcile.fallback_overlap_words must be positive")
	}
	if cfg.Ingest.Enabled && cfg.Ingest.MaxChunkKB <= 0 {
		return errors.New("ingest.max_chunk_kb must be positive")
	}
	return nil
}
