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
	Audio       AudioConfig      `yaml:"audio"`
	Codec       CodecConfig      `yaml:"codec"`
	Wake        WakeConfig       `yaml:"wake"`
	Memory      MemoryConfig     `yaml:"memory"`
	Archive     ArchiveConfig    `yaml:"archive"`
	Persona     PersonaConfig    `yaml:"persona"`
	Injection   InjectionConfig  `yaml:"injection"`
	Visualizer  VisualizerConfig `yaml:"visualizer"`
	Supervisor  SupervisorConfig `yaml:"supervisor"`
	Bus         BusConfig        `yaml:"bus"`
}

type AudioConfig struct {
	Mode             string `yaml:"mode"` // mock, pipe
	CaptureCommand   string `yaml:"capture_command"`
	PlaybackCommand  string `yaml:"playback_command"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	FrameSamples     int    `yaml:"frame_samples"`
	MaxDeviceRetries int    `yaml:"max_device_retries"`
	DumpPath         string `yaml:"dump_path"`
}

// FrameDurationMS derives the frame period from sample count and rate.
func (a AudioConfig) FrameDurationMS() int {
	if a.SampleRate <= 0 {
		return 0
	}
	return a.FrameSamples * 1000 / a.SampleRate
}

type CodecConfig struct {
	Mode          string `yaml:"mode"` // mock, realtime
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MaxPending    int    `yaml:"max_pending_frames"`
	TurnTimeoutMS int    `yaml:"turn_timeout_ms"`
}

type WakeConfig struct {
	Mode      string  `yaml:"mode"` // always_on, threshold
	Threshold float64 `yaml:"threshold"`
	HoldMS    int     `yaml:"hold_ms"`
}

type MemoryConfig struct {
	MaxRecentMessages   int `yaml:"max_recent_messages"`
	MaxArchivedSessions int `yaml:"max_archived_sessions"`
}

type ArchiveConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // session, persistent, ephemeral
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PersonaConfig struct {
	Path         string `yaml:"path"`
	GreetOnStart bool   `yaml:"greet_on_start"`
	DefaultName  string `yaml:"default_name"`
	DefaultGreet string `yaml:"default_greeting"`
}

type InjectionConfig struct {
	Capacity     int `yaml:"capacity"`
	DrainPerTick int `yaml:"drain_per_tick"`
}

type VisualizerConfig struct {
	Enabled        bool `yaml:"enabled"`
	TickIntervalMS int  `yaml:"tick_interval_ms"`
	Bars           int  `yaml:"bars"`
}

type SupervisorConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	Token            string `yaml:"token"`
	SendTimeoutMS    int    `yaml:"send_timeout_ms"`
	QueueSize        int    `yaml:"queue_size"`
	BackoffMS        int    `yaml:"backoff_ms"`
	MaxBackoffMS     int    `yaml:"max_backoff_ms"`
	AmplitudeEveryMS int    `yaml:"amplitude_every_ms"`
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
	StoreDir       string   `yaml:"store_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmur-runtime",
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
		Audio: AudioConfig{
			Mode:             "mock",
			SampleRate:       16000,
			Channels:         1,
			FrameSamples:     1280, // 80ms at 16kHz
			MaxDeviceRetries: 3,
		},
		Codec: CodecConfig{
			Mode:          "mock",
			MaxPending:    8,
			TurnTimeoutMS: 2000,
		},
		Wake: WakeConfig{
			Mode:      "always_on",
			Threshold: 0.1,
			HoldMS:    1500,
		},
		Memory: MemoryConfig{
			MaxRecentMessages:   50,
			MaxArchivedSessions: 10,
		},
		Archive: ArchiveConfig{
			Path:          "./data/murmur-archive.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Persona: PersonaConfig{
			GreetOnStart: true,
			DefaultName:  "Jarvis",
			DefaultGreet: "At your service. How can I help?",
		},
		Injection: InjectionConfig{
			Capacity:     32,
			DrainPerTick: 4,
		},
		Visualizer: VisualizerConfig{
			Enabled:        true,
			TickIntervalMS: 50,
			Bars:           16,
		},
		Supervisor: SupervisorConfig{
			Enabled:          false,
			SendTimeoutMS:    500,
			QueueSize:        64,
			BackoffMS:        1000,
			MaxBackoffMS:     30000,
			AmplitudeEveryMS: 200,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
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
	overrideString(&cfg.RuntimeName, "MURMUR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMUR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MURMUR_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Audio.Mode, "MURMUR_AUDIO_MODE")
	overrideString(&cfg.Audio.CaptureCommand, "MURMUR_AUDIO_CAPTURE_COMMAND")
	overrideString(&cfg.Audio.PlaybackCommand, "MURMUR_AUDIO_PLAYBACK_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "MURMUR_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "MURMUR_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameSamples, "MURMUR_AUDIO_FRAME_SAMPLES")
	overrideInt(&cfg.Audio.MaxDeviceRetries, "MURMUR_AUDIO_MAX_DEVICE_RETRIES")
	overrideString(&cfg.Audio.DumpPath, "MURMUR_AUDIO_DUMP_PATH")
	overrideString(&cfg.Codec.Mode, "MURMUR_CODEC_MODE")
	overrideString(&cfg.Codec.Endpoint, "MURMUR_CODEC_ENDPOINT")
	overrideString(&cfg.Codec.APIKey, "MURMUR_CODEC_API_KEY")
	overrideString(&cfg.Codec.Model, "MURMUR_CODEC_MODEL")
	overrideInt(&cfg.Codec.MaxPending, "MURMUR_CODEC_MAX_PENDING_FRAMES")
	overrideInt(&cfg.Codec.TurnTimeoutMS, "MURMUR_CODEC_TURN_TIMEOUT_MS")
	overrideString(&cfg.Wake.Mode, "MURMUR_WAKE_MODE")
	overrideFloat(&cfg.Wake.Threshold, "MURMUR_WAKE_THRESHOLD")
	overrideInt(&cfg.Wake.HoldMS, "MURMUR_WAKE_HOLD_MS")
	overrideInt(&cfg.Memory.MaxRecentMessages, "MURMUR_MEMORY_MAX_RECENT_MESSAGES")
	overrideInt(&cfg.Memory.MaxArchivedSessions, "MURMUR_MEMORY_MAX_ARCHIVED_SESSIONS")
	overrideString(&cfg.Archive.Path, "MURMUR_ARCHIVE_PATH")
	overrideString(&cfg.Archive.RetentionMode, "MURMUR_ARCHIVE_RETENTION_MODE")
	overrideInt(&cfg.Archive.RetentionDays, "MURMUR_ARCHIVE_RETENTION_DAYS")
	overrideInt(&cfg.Archive.MaxSessions, "MURMUR_ARCHIVE_MAX_SESSIONS")
	overrideBool(&cfg.Archive.VacuumOnStart, "MURMUR_ARCHIVE_VACUUM_ON_START")
	overrideString(&cfg.Persona.Path, "MURMUR_PERSONA_PATH")
	overrideBool(&cfg.Persona.GreetOnStart, "MURMUR_PERSONA_GREET_ON_START")
	overrideInt(&cfg.Injection.Capacity, "MURMUR_INJECTION_CAPACITY")
	overrideInt(&cfg.Injection.DrainPerTick, "MURMUR_INJECTION_DRAIN_PER_TICK")
	overrideBool(&cfg.Visualizer.Enabled, "MURMUR_VISUALIZER_ENABLED")
	overrideInt(&cfg.Visualizer.TickIntervalMS, "MURMUR_VISUALIZER_TICK_INTERVAL_MS")
	overrideBool(&cfg.Supervisor.Enabled, "MURMUR_SUPERVISOR_ENABLED")
	overrideString(&cfg.Supervisor.URL, "MURMUR_SUPERVISOR_URL")
	overrideString(&cfg.Supervisor.Token, "MURMUR_SUPERVISOR_TOKEN")
	overrideInt(&cfg.Supervisor.SendTimeoutMS, "MURMUR_SUPERVISOR_SEND_TIMEOUT_MS")
	overrideInt(&cfg.Supervisor.QueueSize, "MURMUR_SUPERVISOR_QUEUE_SIZE")
	overrideInt(&cfg.Supervisor.BackoffMS, "MURMUR_SUPERVISOR_BACKOFF_MS")
	overrideInt(&cfg.Supervisor.MaxBackoffMS, "MURMUR_SUPERVISOR_MAX_BACKOFF_MS")
	overrideBool(&cfg.Bus.Enabled, "MURMUR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
}

func validate(cfg Config) error {
	var errs []error
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 or 2, got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples must be positive, got %d", cfg.Audio.FrameSamples))
	}
	switch cfg.Audio.Mode {
	case "mock":
	case "pipe":
		if cfg.Audio.CaptureCommand == "" {
			errs = append(errs, errors.New("audio.capture_command required in pipe mode"))
		}
		if cfg.Audio.PlaybackCommand == "" {
			errs = append(errs, errors.New("audio.playback_command required in pipe mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("audio.mode must be mock or pipe, got %q", cfg.Audio.Mode))
	}
	switch cfg.Codec.Mode {
	case "mock":
	case "realtime":
		if cfg.Codec.Endpoint == "" {
			errs = append(errs, errors.New("codec.endpoint required in realtime mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("codec.mode must be mock or realtime, got %q", cfg.Codec.Mode))
	}
	switch cfg.Wake.Mode {
	case "always_on":
	case "threshold":
		if cfg.Wake.Threshold <= 0 || cfg.Wake.Threshold > 1 {
			errs = append(errs, fmt.Errorf("wake.threshold must be in (0,1], got %v", cfg.Wake.Threshold))
		}
	default:
		errs = append(errs, fmt.Errorf("wake.mode must be always_on or threshold, got %q", cfg.Wake.Mode))
	}
	if cfg.Memory.MaxRecentMessages <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_recent_messages must be positive, got %d", cfg.Memory.MaxRecentMessages))
	}
	if cfg.Memory.MaxArchivedSessions <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_archived_sessions must be positive, got %d", cfg.Memory.MaxArchivedSessions))
	}
	if cfg.Injection.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("injection.capacity must be positive, got %d", cfg.Injection.Capacity))
	}
	if cfg.Visualizer.Enabled && cfg.Visualizer.TickIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("visualizer.tick_interval_ms must be positive, got %d", cfg.Visualizer.TickIntervalMS))
	}
	if cfg.Supervisor.Enabled {
		if cfg.Supervisor.URL == "" {
			errs = append(errs, errors.New("supervisor.url required when supervisor enabled"))
		}
		if cfg.Supervisor.Token == "" {
			errs = append(errs, errors.New("supervisor.token required when supervisor enabled"))
		}
	}
	if cfg.Bus.Enabled && !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
		errs = append(errs, errors.New("bus.servers required when bus enabled without embedded server"))
	}
	return errors.Join(errs...)
}

func overrideString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func overrideInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			*target = cleaned
		}
	}
}
