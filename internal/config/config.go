package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Bind              string   `yaml:"bind"`
	Port              int      `yaml:"port"`
	CORSOrigins       []string `yaml:"cors_origins"`
	ShutdownTimeoutMS int      `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Stream      StreamConfig      `yaml:"stream"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Presence    PresenceConfig    `yaml:"presence"`
	Admin       AdminConfig       `yaml:"admin"`
	Translate   TranslateConfig   `yaml:"translate"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Producer    ProducerConfig    `yaml:"producer"`
	Overlay     OverlayConfig     `yaml:"overlay"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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
}

// StoreConfig tunes the in-memory session store.
type StoreConfig struct {
	DedupWindowMS     int `yaml:"dedup_window_ms"`
	InactivityMS      int `yaml:"inactivity_ms"`
	SweepIntervalMS   int `yaml:"sweep_interval_ms"`
	MaxSessions       int `yaml:"max_sessions"`
	SubscriberBuffer  int `yaml:"subscriber_buffer"`
	MaxSubscribersPer int `yaml:"max_subscribers_per_session"`
}

// StreamConfig tunes the server-sent event and websocket push endpoints.
type StreamConfig struct {
	PingIntervalMS int  `yaml:"ping_interval_ms"`
	WebSocket      bool `yaml:"websocket"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	RecordInterim bool   `yaml:"record_interim"`
}

type PresenceConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
}

// AdminConfig seeds the process-wide overlay messages.
type AdminConfig struct {
	InactiveMessage       string `yaml:"inactive_message"`
	DefaultWelcomeMessage string `yaml:"default_welcome_message"`
	ListeningMessage      string `yaml:"listening_message"`
	TranslatingMessage    string `yaml:"translating_message"`
}

type TranslateConfig struct {
	Services          []string `yaml:"services"` // mymemory, libretranslate, ollama
	MyMemoryURL       string   `yaml:"mymemory_url"`
	MyMemoryTimeoutMS int      `yaml:"mymemory_timeout_ms"`
	LibreURLs         []string `yaml:"libretranslate_urls"`
	LibreTimeoutMS    int      `yaml:"libretranslate_timeout_ms"`
	OllamaEndpoint    string   `yaml:"ollama_endpoint"`
	OllamaModel       string   `yaml:"ollama_model"`
	OllamaTimeoutMS   int      `yaml:"ollama_timeout_ms"`
	CacheSize         int      `yaml:"cache_size"`
	CacheTTLMS        int      `yaml:"cache_ttl_ms"`
	MinIntervalMS     int      `yaml:"min_interval_ms"`
	KeywordFile       string   `yaml:"keyword_file"`
}

type RecognitionConfig struct {
	Mode              string `yaml:"mode"` // lines, exec, whisper, hybrid, mock
	Command           string `yaml:"command"`
	CaptureCommand    string `yaml:"capture_command"`
	TranscribeCommand string `yaml:"transcribe_command"`
	ModelPath         string `yaml:"model_path"`
	Language          string `yaml:"language"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	ChunkDurationMS   int    `yaml:"chunk_duration_ms"`
	MaxRestarts       int    `yaml:"max_restarts"`
	WatchdogMS        int    `yaml:"watchdog_interval_ms"`
	InactivityMS      int    `yaml:"inactivity_ms"`
	MinInterimChars   int    `yaml:"min_interim_chars"`
}

type ProducerConfig struct {
	ServerURL      string `yaml:"server_url"`
	SessionFile    string `yaml:"session_file"`
	SyncDir        string `yaml:"sync_dir"`
	TargetLanguage string `yaml:"target_language"`
	DebounceMS     int    `yaml:"debounce_ms"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type OverlayConfig struct {
	ServerURL          string `yaml:"server_url"`
	Transport          string `yaml:"transport"` // sse, ws, poll
	EnableAutoDissolve bool   `yaml:"enable_auto_dissolve"`
	AutoDissolveTime   int    `yaml:"auto_dissolve_time"` // seconds
	FastPollMS         int    `yaml:"fast_poll_ms"`
	SteadyPollMS       int    `yaml:"steady_poll_ms"`
	FastPollWindowMS   int    `yaml:"fast_poll_window_ms"`
	ReconnectMaxMS     int    `yaml:"reconnect_max_ms"`
	OutputFile         string `yaml:"output_file"`
	SyncDir            string `yaml:"sync_dir"`
	ShowOriginal       bool   `yaml:"show_original"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              8080,
			CORSOrigins:       []string{"*"},
			ShutdownTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			DedupWindowMS:     2000,
			InactivityMS:      5 * 60 * 1000,
			SweepIntervalMS:   60 * 1000,
			MaxSessions:       10000,
			SubscriberBuffer:  16,
			MaxSubscribersPer: 64,
		},
		Stream: StreamConfig{
			PingIntervalMS: 30000,
			WebSocket:      true,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/captions.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  5000,
		},
		Admin: AdminConfig{
			InactiveMessage:       "Start speech recognition to begin captioning",
			DefaultWelcomeMessage: "Welcome to Loqa Captions!",
			ListeningMessage:      "Listening...",
			TranslatingMessage:    "Translating...",
		},
		Translate: TranslateConfig{
			Services:          []string{"mymemory", "libretranslate"},
			MyMemoryURL:       "https://api.mymemory.translated.net/get",
			MyMemoryTimeoutMS: 1500,
			LibreURLs:         []string{"https://libretranslate.com/translate"},
			LibreTimeoutMS:    2000,
			OllamaEndpoint:    "http://localhost:11434",
			OllamaModel:       "llama3.2:latest",
			OllamaTimeoutMS:   3000,
			CacheSize:         100,
			CacheTTLMS:        30000,
			MinIntervalMS:     20,
		},
		Recognition: RecognitionConfig{
			Mode:            "lines",
			Language:        "ko-KR",
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 3000,
			MaxRestarts:     5,
			WatchdogMS:      10000,
			InactivityMS:    30000,
			MinInterimChars: 8,
		},
		Producer: ProducerConfig{
			ServerURL:      "http://localhost:8080",
			SessionFile:    "./data/session_id",
			SyncDir:        "./data",
			TargetLanguage: "en",
			DebounceMS:     2000,
			RequestTimeout: 3000,
			PublishInterim: true,
		},
		Overlay: OverlayConfig{
			ServerURL:          "http://localhost:8080",
			Transport:          "sse",
			EnableAutoDissolve: true,
			AutoDissolveTime:   5,
			FastPollMS:         200,
			SteadyPollMS:       1000,
			FastPollWindowMS:   3000,
			ReconnectMaxMS:     30000,
			SyncDir:            "./data",
		},
	}
}

// Load reads an optional YAML file, a .env file when present, and applies
// LOQA_CAPTIONS_* environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env file: %w", err)
	}

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
	overrideString(&cfg.RuntimeName, "LOQA_CAPTIONS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_CAPTIONS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_CAPTIONS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_CAPTIONS_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "LOQA_CAPTIONS_HTTP_CORS_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_CAPTIONS_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_CAPTIONS_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_CAPTIONS_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_CAPTIONS_TRACE_STDOUT")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "LOQA_CAPTIONS_METRICS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "LOQA_CAPTIONS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_CAPTIONS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_CAPTIONS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_CAPTIONS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_CAPTIONS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_CAPTIONS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_CAPTIONS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_CAPTIONS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_CAPTIONS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_CAPTIONS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_CAPTIONS_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Store.DedupWindowMS, "LOQA_CAPTIONS_STORE_DEDUP_WINDOW_MS")
	overrideInt(&cfg.Store.InactivityMS, "LOQA_CAPTIONS_STORE_INACTIVITY_MS")
	overrideInt(&cfg.Store.SweepIntervalMS, "LOQA_CAPTIONS_STORE_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Store.MaxSessions, "LOQA_CAPTIONS_STORE_MAX_SESSIONS")
	overrideInt(&cfg.Stream.PingIntervalMS, "LOQA_CAPTIONS_STREAM_PING_INTERVAL_MS")
	overrideBool(&cfg.Stream.WebSocket, "LOQA_CAPTIONS_STREAM_WEBSOCKET")
	overrideString(&cfg.EventStore.Path, "LOQA_CAPTIONS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_CAPTIONS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_CAPTIONS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_CAPTIONS_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_CAPTIONS_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.RecordInterim, "LOQA_CAPTIONS_EVENT_STORE_RECORD_INTERIM")
	overrideInt(&cfg.Presence.HeartbeatInterval, "LOQA_CAPTIONS_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "LOQA_CAPTIONS_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Admin.InactiveMessage, "LOQA_CAPTIONS_ADMIN_INACTIVE_MESSAGE")
	overrideString(&cfg.Admin.DefaultWelcomeMessage, "LOQA_CAPTIONS_ADMIN_WELCOME_MESSAGE")
	overrideString(&cfg.Admin.ListeningMessage, "LOQA_CAPTIONS_ADMIN_LISTENING_MESSAGE")
	overrideString(&cfg.Admin.TranslatingMessage, "LOQA_CAPTIONS_ADMIN_TRANSLATING_MESSAGE")
	overrideStringSlice(&cfg.Translate.Services, "LOQA_CAPTIONS_TRANSLATE_SERVICES")
	overrideString(&cfg.Translate.MyMemoryURL, "LOQA_CAPTIONS_TRANSLATE_MYMEMORY_URL")
	overrideInt(&cfg.Translate.MyMemoryTimeoutMS, "LOQA_CAPTIONS_TRANSLATE_MYMEMORY_TIMEOUT_MS")
	overrideStringSlice(&cfg.Translate.LibreURLs, "LOQA_CAPTIONS_TRANSLATE_LIBRETRANSLATE_URLS")
	overrideInt(&cfg.Translate.LibreTimeoutMS, "LOQA_CAPTIONS_TRANSLATE_LIBRETRANSLATE_TIMEOUT_MS")
	overrideString(&cfg.Translate.OllamaEndpoint, "LOQA_CAPTIONS_TRANSLATE_OLLAMA_ENDPOINT")
	overrideString(&cfg.Translate.OllamaModel, "LOQA_CAPTIONS_TRANSLATE_OLLAMA_MODEL")
	overrideInt(&cfg.Translate.OllamaTimeoutMS, "LOQA_CAPTIONS_TRANSLATE_OLLAMA_TIMEOUT_MS")
	overrideInt(&cfg.Translate.CacheSize, "LOQA_CAPTIONS_TRANSLATE_CACHE_SIZE")
	overrideInt(&cfg.Translate.CacheTTLMS, "LOQA_CAPTIONS_TRANSLATE_CACHE_TTL_MS")
	overrideInt(&cfg.Translate.MinIntervalMS, "LOQA_CAPTIONS_TRANSLATE_MIN_INTERVAL_MS")
	overrideString(&cfg.Translate.KeywordFile, "LOQA_CAPTIONS_TRANSLATE_KEYWORD_FILE")
	overrideString(&cfg.Recognition.Mode, "LOQA_CAPTIONS_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "LOQA_CAPTIONS_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.CaptureCommand, "LOQA_CAPTIONS_RECOGNITION_CAPTURE_COMMAND")
	overrideString(&cfg.Recognition.TranscribeCommand, "LOQA_CAPTIONS_RECOGNITION_TRANSCRIBE_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "LOQA_CAPTIONS_RECOGNITION_MODEL_PATH")
	overrideString(&cfg.Recognition.Language, "LOQA_CAPTIONS_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.SampleRate, "LOQA_CAPTIONS_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.Channels, "LOQA_CAPTIONS_RECOGNITION_CHANNELS")
	overrideInt(&cfg.Recognition.ChunkDurationMS, "LOQA_CAPTIONS_RECOGNITION_CHUNK_DURATION_MS")
	overrideInt(&cfg.Recognition.MaxRestarts, "LOQA_CAPTIONS_RECOGNITION_MAX_RESTARTS")
	overrideString(&cfg.Producer.ServerURL, "LOQA_CAPTIONS_PRODUCER_SERVER_URL")
	overrideString(&cfg.Producer.SessionFile, "LOQA_CAPTIONS_PRODUCER_SESSION_FILE")
	overrideString(&cfg.Producer.SyncDir, "LOQA_CAPTIONS_PRODUCER_SYNC_DIR")
	overrideString(&cfg.Producer.TargetLanguage, "LOQA_CAPTIONS_PRODUCER_TARGET_LANGUAGE")
	overrideInt(&cfg.Producer.DebounceMS, "LOQA_CAPTIONS_PRODUCER_DEBOUNCE_MS")
	overrideBool(&cfg.Producer.PublishInterim, "LOQA_CAPTIONS_PRODUCER_PUBLISH_INTERIM")
	overrideString(&cfg.Overlay.ServerURL, "LOQA_CAPTIONS_OVERLAY_SERVER_URL")
	overrideString(&cfg.Overlay.Transport, "LOQA_CAPTIONS_OVERLAY_TRANSPORT")
	overrideBool(&cfg.Overlay.EnableAutoDissolve, "LOQA_CAPTIONS_OVERLAY_ENABLE_AUTO_DISSOLVE")
	overrideInt(&cfg.Overlay.AutoDissolveTime, "LOQA_CAPTIONS_OVERLAY_AUTO_DISSOLVE_TIME")
	overrideInt(&cfg.Overlay.FastPollMS, "LOQA_CAPTIONS_OVERLAY_FAST_POLL_MS")
	overrideInt(&cfg.Overlay.SteadyPollMS, "LOQA_CAPTIONS_OVERLAY_STEADY_POLL_MS")
	overrideString(&cfg.Overlay.OutputFile, "LOQA_CAPTIONS_OVERLAY_OUTPUT_FILE")
	overrideString(&cfg.Overlay.SyncDir, "LOQA_CAPTIONS_OVERLAY_SYNC_DIR")
	overrideBool(&cfg.Overlay.ShowOriginal, "LOQA_CAPTIONS_OVERLAY_SHOW_ORIGINAL")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	if cfg.Store.DedupWindowMS < 0 {
		return errors.New("store.dedup_window_ms must be >= 0")
	}
	if cfg.Store.InactivityMS <= 0 {
		return errors.New("store.inactivity_ms must be positive")
	}
	if cfg.Store.SweepIntervalMS <= 0 {
		return errors.New("store.sweep_interval_ms must be positive")
	}
	if cfg.Stream.PingIntervalMS <= 0 {
		return errors.New("stream.ping_interval_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence.heartbeat_interval_ms must be positive")
	}
	if cfg.Presence.HeartbeatTimeout <= cfg.Presence.HeartbeatInterval {
		return errors.New("presence.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	for _, svc := range cfg.Translate.Services {
		switch svc {
		case "mymemory", "libretranslate", "ollama":
		default:
			return fmt.Errorf("translate.services contains unknown service %q", svc)
		}
	}
	if cfg.Translate.CacheSize < 0 {
		return errors.New("translate.cache_size must be >= 0")
	}
	switch cfg.Recognition.Mode {
	case "lines", "mock":
	case "exec":
		if cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=exec")
		}
	case "whisper", "hybrid":
		if cfg.Recognition.CaptureCommand == "" || cfg.Recognition.TranscribeCommand == "" {
			return errors.New("recognition.capture_command and transcribe_command must be set when mode=whisper|hybrid")
		}
		if cfg.Recognition.SampleRate <= 0 || cfg.Recognition.Channels <= 0 {
			return errors.New("recognition.sample_rate and channels must be positive")
		}
		if cfg.Recognition.Mode == "hybrid" && cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=hybrid")
		}
	default:
		return errors.New("recognition.mode must be one of lines|exec|whisper|hybrid|mock")
	}
	if cfg.Recognition.MaxRestarts < 0 {
		return errors.New("recognition.max_restarts must be >= 0")
	}
	switch cfg.Overlay.Transport {
	case "sse", "ws", "poll":
	default:
		return errors.New("overlay.transport must be one of sse|ws|poll")
	}
	if cfg.Overlay.AutoDissolveTime < 0 {
		return errors.New("overlay.auto_dissolve_time must be >= 0")
	}
	if cfg.Overlay.FastPollMS <= 0 || cfg.Overlay.SteadyPollMS < cfg.Overlay.FastPollMS {
		return errors.New("overlay.steady_poll_ms must be >= fast_poll_ms > 0")
	}
	return nil
}
