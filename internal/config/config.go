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
	SentryDSN    string `yaml:"sentry_dsn"`
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
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Engine      EngineConfig     `yaml:"engine"`
	Producer    ProducerConfig   `yaml:"producer"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Client      ClientConfig     `yaml:"client"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	JetStream      bool     `yaml:"jetstream"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxStreams    int    `yaml:"max_streams"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SegmenterConfig struct {
	MaxLength int `yaml:"max_length"`
}

type EngineConfig struct {
	Mode           string  `yaml:"mode"` // mock, exec, elevenlabs
	Command        string  `yaml:"command"`
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	Quality        string  `yaml:"quality"`
	Device         string  `yaml:"device"`
	Voice          string  `yaml:"voice"`
	Speed          float64 `yaml:"speed"`
	SampleRate     int     `yaml:"sample_rate"`
	Channels       int     `yaml:"channels"`
	MockLatencyMS  int     `yaml:"mock_latency_ms"`
	SynthTimeoutMS int     `yaml:"synth_timeout_ms"`
}

type ProducerConfig struct {
	Enabled     bool `yaml:"enabled"`
	HistorySize int  `yaml:"history_size"`
}

type PlaybackConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, wav, exec
	Command        string `yaml:"command"`
	Directory      string `yaml:"directory"`
	StallTimeoutMS int    `yaml:"stall_timeout_ms"`
}

type ClientConfig struct {
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-readaloud",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/readaloud-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxStreams:    10000,
		},
		Segmenter: SegmenterConfig{
			MaxLength: 200,
		},
		Engine: EngineConfig{
			Mode:           "mock",
			Endpoint:       "https://api.elevenlabs.io/v1/text-to-speech",
			Quality:        "balanced",
			Device:         "cpu",
			Voice:          "en-US",
			Speed:          1.0,
			SampleRate:     22050,
			Channels:       1,
			MockLatencyMS:  50,
			SynthTimeoutMS: 45000,
		},
		Producer: ProducerConfig{
			Enabled:     true,
			HistorySize: 256,
		},
		Playback: PlaybackConfig{
			Enabled:   false,
			Mode:      "mock",
			Directory: "./data/playback",
		},
		Client: ClientConfig{
			RequestTimeoutMS: 5000,
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
	overrideString(&cfg.Telemetry.SentryDSN, "LOQA_TELEMETRY_SENTRY_DSN")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideBool(&cfg.Bus.JetStream, "LOQA_BUS_JETSTREAM")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxStreams, "LOQA_EVENT_STORE_MAX_STREAMS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Segmenter.MaxLength, "LOQA_SEGMENTER_MAX_LENGTH")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Endpoint, "LOQA_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.APIKey, "LOQA_ENGINE_API_KEY")
	overrideString(&cfg.Engine.Quality, "LOQA_ENGINE_QUALITY")
	overrideString(&cfg.Engine.Device, "LOQA_ENGINE_DEVICE")
	overrideString(&cfg.Engine.Voice, "LOQA_ENGINE_VOICE")
	overrideFloat(&cfg.Engine.Speed, "LOQA_ENGINE_SPEED")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "LOQA_ENGINE_CHANNELS")
	overrideInt(&cfg.Engine.MockLatencyMS, "LOQA_ENGINE_MOCK_LATENCY_MS")
	overrideInt(&cfg.Engine.SynthTimeoutMS, "LOQA_ENGINE_SYNTH_TIMEOUT_MS")
	overrideBool(&cfg.Producer.Enabled, "LOQA_PRODUCER_ENABLED")
	overrideInt(&cfg.Producer.HistorySize, "LOQA_PRODUCER_HISTORY_SIZE")
	overrideBool(&cfg.Playback.Enabled, "LOQA_PLAYBACK_ENABLED")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.Directory, "LOQA_PLAYBACK_DIRECTORY")
	overrideInt(&cfg.Playback.StallTimeoutMS, "LOQA_PLAYBACK_STALL_TIMEOUT_MS")
	overrideInt(&cfg.Client.RequestTimeoutMS, "LOQA_CLIENT_REQUEST_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.JetStream && cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must be set when jetstream is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.Segmenter.MaxLength < 1 {
		return errors.New("segmenter.max_length must be >= 1")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "elevenlabs":
	default:
		return errors.New("engine.mode must be one of mock|exec|elevenlabs")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "elevenlabs" {
		if cfg.Engine.APIKey == "" {
			return errors.New("engine.api_key must be set when mode=elevenlabs")
		}
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=elevenlabs")
		}
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Engine.Speed <= 0 {
		return errors.New("engine.speed must be positive")
	}
	if cfg.Engine.SynthTimeoutMS < 0 {
		return errors.New("engine.synth_timeout_ms must be >= 0")
	}
	if cfg.Playback.Enabled {
		switch cfg.Playback.Mode {
		case "mock", "wav", "exec":
		default:
			return errors.New("playback.mode must be one of mock|wav|exec")
		}
		if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
			return errors.New("playback.command must be set when mode=exec")
		}
		if cfg.Playback.Mode == "wav" && cfg.Playback.Directory == "" {
			return errors.New("playback.directory must be set when mode=wav")
		}
	}
	if cfg.Playback.StallTimeoutMS < 0 {
		return errors.New("playback.stall_timeout_ms must be >= 0")
	}
	if cfg.Client.RequestTimeoutMS <= 0 {
		return errors.New("client.request_timeout_ms must be positive")
	}
	return nil
}
