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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Capture     CaptureConfig    `yaml:"capture"`
	Visualizer  VisualizerConfig `yaml:"visualizer"`
	Export      ExportConfig     `yaml:"export"`
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
	// StoreDir enables JetStream on the embedded server.
	StoreDir string `yaml:"store_dir"`
}

// NodeConfig identifies this process on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode            string   `yaml:"mode"` // none, mock, exec, bus
	Command         string   `yaml:"command"`
	ModelPath       string   `yaml:"model_path"`
	Language        string   `yaml:"language"`
	Languages       []string `yaml:"languages"`
	SampleRate      int      `yaml:"sample_rate"`
	Channels        int      `yaml:"channels"`
	FrameDurationMS int      `yaml:"frame_duration_ms"`
	PartialEveryMS  int      `yaml:"partial_every_ms"`
	SegmentMS       int      `yaml:"segment_ms"`
	StopTimeoutMS   int      `yaml:"stop_timeout_ms"`
	// PublishTranscripts mirrors finalized and interim text onto the bus.
	PublishTranscripts bool `yaml:"publish_transcripts"`
	// RequireWorker fails bus recognition while no stt.recognize node is heard.
	RequireWorker bool `yaml:"require_worker"`
}

type CaptureConfig struct {
	Backend         string  `yaml:"backend"` // none, synthetic, portaudio
	Device          string  `yaml:"device"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
	ToneHz          float64 `yaml:"tone_hz"`
}

type VisualizerConfig struct {
	Enabled         bool `yaml:"enabled"`
	FFTSize         int  `yaml:"fft_size"`
	Width           int  `yaml:"width"`
	Height          int  `yaml:"height"`
	FrameIntervalMS int  `yaml:"frame_interval_ms"`
}

type ExportConfig struct {
	Directory string `yaml:"directory"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-scribe-1",
			Role:              "scribe",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/loqa-scribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:            "mock",
			Language:        "en-US",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			SegmentMS:       4000,
			StopTimeoutMS:   5000,
		},
		Capture: CaptureConfig{
			Backend:         "synthetic",
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 320,
			ToneHz:          220,
		},
		Visualizer: VisualizerConfig{
			Enabled:         true,
			FFTSize:         256,
			Width:           640,
			Height:          120,
			FrameIntervalMS: 16,
		},
		Export: ExportConfig{
			Directory: "./transcripts",
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
	overrideString(&cfg.RuntimeName, "LOQA_SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "LOQA_SCRIBE_BUS_STORE_DIR")
	overrideString(&cfg.Node.ID, "LOQA_SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.EventStore.Enabled, "LOQA_SCRIBE_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LOQA_SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "LOQA_SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_SCRIBE_STT_LANGUAGE")
	overrideStringSlice(&cfg.STT.Languages, "LOQA_SCRIBE_STT_LANGUAGES")
	overrideInt(&cfg.STT.SampleRate, "LOQA_SCRIBE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_SCRIBE_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_SCRIBE_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_SCRIBE_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.SegmentMS, "LOQA_SCRIBE_STT_SEGMENT_MS")
	overrideInt(&cfg.STT.StopTimeoutMS, "LOQA_SCRIBE_STT_STOP_TIMEOUT_MS")
	overrideBool(&cfg.STT.PublishTranscripts, "LOQA_SCRIBE_STT_PUBLISH_TRANSCRIPTS")
	overrideBool(&cfg.STT.RequireWorker, "LOQA_SCRIBE_STT_REQUIRE_WORKER")
	overrideString(&cfg.Capture.Backend, "LOQA_SCRIBE_CAPTURE_BACKEND")
	overrideString(&cfg.Capture.Device, "LOQA_SCRIBE_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "LOQA_SCRIBE_CAPTURE_FRAMES_PER_BUFFER")
	overrideFloat(&cfg.Capture.ToneHz, "LOQA_SCRIBE_CAPTURE_TONE_HZ")
	overrideBool(&cfg.Visualizer.Enabled, "LOQA_SCRIBE_VISUALIZER_ENABLED")
	overrideInt(&cfg.Visualizer.FFTSize, "LOQA_SCRIBE_VISUALIZER_FFT_SIZE")
	overrideInt(&cfg.Visualizer.Width, "LOQA_SCRIBE_VISUALIZER_WIDTH")
	overrideInt(&cfg.Visualizer.Height, "LOQA_SCRIBE_VISUALIZER_HEIGHT")
	overrideInt(&cfg.Visualizer.FrameIntervalMS, "LOQA_SCRIBE_VISUALIZER_FRAME_INTERVAL_MS")
	overrideString(&cfg.Export.Directory, "LOQA_SCRIBE_EXPORT_DIRECTORY")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 || cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Enabled {
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
	}
	switch cfg.STT.Mode {
	case "none", "mock", "exec", "bus":
	default:
		return errors.New("stt.mode must be one of none|mock|exec|bus")
	}
	if cfg.STT.Mode != "none" {
		if strings.TrimSpace(cfg.STT.Language) == "" {
			return errors.New("stt.language must not be empty")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "bus" && !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when stt.mode=bus")
		}
	}
	if cfg.STT.PublishTranscripts && !cfg.Bus.Enabled {
		return errors.New("bus.enabled must be true when stt.publish_transcripts is set")
	}
	switch cfg.Capture.Backend {
	case "none", "synthetic", "portaudio":
	default:
		return errors.New("capture.backend must be one of none|synthetic|portaudio")
	}
	if cfg.Capture.Backend != "none" {
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive")
		}
		if cfg.Capture.Channels <= 0 {
			return errors.New("capture.channels must be positive")
		}
		if cfg.Capture.FramesPerBuffer <= 0 {
			return errors.New("capture.frames_per_buffer must be positive")
		}
	}
	if cfg.Visualizer.Enabled {
		if n := cfg.Visualizer.FFTSize; n < 32 || n > 32768 || n&(n-1) != 0 {
			return errors.New("visualizer.fft_size must be a power of two between 32 and 32768")
		}
		if cfg.Visualizer.Width <= 0 || cfg.Visualizer.Height <= 0 {
			return errors.New("visualizer.width and visualizer.height must be positive")
		}
		if cfg.Visualizer.FrameIntervalMS <= 0 {
			return errors.New("visualizer.frame_interval_ms must be positive")
		}
	}
	if cfg.Export.Directory == "" {
		return errors.New("export.directory must not be empty")
	}
	return nil
}
