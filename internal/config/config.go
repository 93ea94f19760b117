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
	// AllowedOrigins lists browser origins, besides the daemon's own, that
	// may open the live feed websocket.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Engine      EngineConfig     `yaml:"engine"`
	Recording   RecordingConfig  `yaml:"recording"`
	Transcript  TranscriptConfig `yaml:"transcript"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Backend         string `yaml:"backend"` // portaudio, malgo
	Device          int    `yaml:"device"`
	FrameRate       int    `yaml:"frame_rate"`
	DurationSeconds int    `yaml:"duration_seconds"`
	ChunkSize       int    `yaml:"chunk_size"`
	Channels        int    `yaml:"channels"`
	QueueDepth      int    `yaml:"queue_depth"`
}

type EngineConfig struct {
	Default string        `yaml:"default"`
	Catalog []EngineEntry `yaml:"catalog"`
}

// EngineEntry describes one loadable recognition engine.
type EngineEntry struct {
	ID       string `yaml:"id"`
	Mode     string `yaml:"mode"` // mock, exec, sherpa, whisper
	Command  string `yaml:"command"`
	Model    string `yaml:"model"`
	Encoder  string `yaml:"encoder"`
	Decoder  string `yaml:"decoder"`
	Joiner   string `yaml:"joiner"`
	Tokens   string `yaml:"tokens"`
	Language string `yaml:"language"`
	Threads  int    `yaml:"threads"`
}

type RecordingConfig struct {
	Directory string        `yaml:"directory"`
	Archive   ArchiveConfig `yaml:"archive"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

type TranscriptConfig struct {
	Stdout bool   `yaml:"stdout"`
	File   string `yaml:"file"`
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
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-1",
			HeartbeatInterval: 5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Backend:         "portaudio",
			Device:          -1,
			FrameRate:       16000,
			DurationSeconds: 4,
			ChunkSize:       1024,
			Channels:        1,
			QueueDepth:      16,
		},
		Engine: EngineConfig{
			Default: "mock",
			Catalog: []EngineEntry{
				{ID: "mock", Mode: "mock"},
			},
		},
		Recording: RecordingConfig{
			Directory: "./recordings",
			Archive: ArchiveConfig{
				Prefix: "recordings/",
			},
		},
		Transcript: TranscriptConfig{
			Stdout: true,
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
	if cfg.Engine.Default == "" && len(cfg.Engine.Catalog) > 0 {
		cfg.Engine.Default = cfg.Engine.Catalog[0].ID
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Entry returns the catalog entry with the given id.
func (c EngineConfig) Entry(id string) (EngineEntry, bool) {
	for _, e := range c.Catalog {
		if e.ID == id {
			return e, true
		}
	}
	return EngineEntry{}, false
}

// IDs lists catalog ids in configuration order.
func (c EngineConfig) IDs() []string {
	ids := make([]string, 0, len(c.Catalog))
	for _, e := range c.Catalog {
		ids = append(ids, e.ID)
	}
	return ids
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "SCRIBE_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Backend, "SCRIBE_CAPTURE_BACKEND")
	overrideInt(&cfg.Capture.Device, "SCRIBE_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.FrameRate, "SCRIBE_CAPTURE_FRAME_RATE")
	overrideInt(&cfg.Capture.DurationSeconds, "SCRIBE_CAPTURE_DURATION_SECONDS")
	overrideInt(&cfg.Capture.ChunkSize, "SCRIBE_CAPTURE_CHUNK_SIZE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.QueueDepth, "SCRIBE_CAPTURE_QUEUE_DEPTH")
	overrideString(&cfg.Engine.Default, "SCRIBE_ENGINE_DEFAULT")
	overrideString(&cfg.Recording.Directory, "SCRIBE_RECORDING_DIRECTORY")
	overrideBool(&cfg.Recording.Archive.Enabled, "SCRIBE_RECORDING_ARCHIVE_ENABLED")
	overrideString(&cfg.Recording.Archive.Bucket, "SCRIBE_RECORDING_ARCHIVE_BUCKET")
	overrideString(&cfg.Recording.Archive.Region, "SCRIBE_RECORDING_ARCHIVE_REGION")
	overrideString(&cfg.Recording.Archive.Endpoint, "SCRIBE_RECORDING_ARCHIVE_ENDPOINT")
	overrideString(&cfg.Recording.Archive.Prefix, "SCRIBE_RECORDING_ARCHIVE_PREFIX")
	overrideBool(&cfg.Recording.Archive.PathStyle, "SCRIBE_RECORDING_ARCHIVE_PATH_STYLE")
	overrideBool(&cfg.Transcript.Stdout, "SCRIBE_TRANSCRIPT_STDOUT")
	overrideString(&cfg.Transcript.File, "SCRIBE_TRANSCRIPT_FILE")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
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
	switch cfg.Capture.Backend {
	case "portaudio", "malgo":
	default:
		return errors.New("capture.backend must be one of portaudio|malgo")
	}
	if cfg.Capture.Device < -1 {
		return errors.New("capture.device must be -1 (default) or a device index")
	}
	if cfg.Capture.FrameRate <= 0 {
		return errors.New("capture.frame_rate must be positive")
	}
	if cfg.Capture.DurationSeconds <= 0 {
		return errors.New("capture.duration_seconds must be positive")
	}
	if cfg.Capture.ChunkSize <= 0 {
		return errors.New("capture.chunk_size must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be >= 1")
	}
	if len(cfg.Engine.Catalog) == 0 {
		return errors.New("engine.catalog must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Engine.Catalog))
	for _, e := range cfg.Engine.Catalog {
		if e.ID == "" {
			return errors.New("engine.catalog entries need an id")
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("engine.catalog id %q is duplicated", e.ID)
		}
		seen[e.ID] = struct{}{}
		switch e.Mode {
		case "mock":
		case "exec":
			if e.Command == "" {
				return fmt.Errorf("engine %q: command must be set when mode=exec", e.ID)
			}
		case "whisper":
			if e.Model == "" {
				return fmt.Errorf("engine %q: model must be set when mode=whisper", e.ID)
			}
		case "sherpa":
			if e.Encoder == "" || e.Decoder == "" || e.Joiner == "" || e.Tokens == "" {
				return fmt.Errorf("engine %q: encoder, decoder, joiner and tokens must be set when mode=sherpa", e.ID)
			}
		default:
			return fmt.Errorf("engine %q: mode must be one of mock|exec|sherpa|whisper", e.ID)
		}
	}
	if _, ok := cfg.Engine.Entry(cfg.Engine.Default); !ok {
		return fmt.Errorf("engine.default %q is not in engine.catalog", cfg.Engine.Default)
	}
	if cfg.Recording.Directory == "" {
		return errors.New("recording.directory must not be empty")
	}
	if cfg.Recording.Archive.Enabled && cfg.Recording.Archive.Bucket == "" {
		return errors.New("recording.archive.bucket must be set when archiving is enabled")
	}
	return nil
}
