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

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type RecognizerConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Locale     string `yaml:"locale"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type ActivityConfig struct {
	WindowSamples    int     `yaml:"window_samples"`
	StreakSamples    int     `yaml:"streak_samples"`
	LevelThreshold   float64 `yaml:"level_threshold"`
	SampleIntervalMS int     `yaml:"sample_interval_ms"`
}

type CaptureConfig struct {
	AutoStart              bool `yaml:"auto_start"`
	TickIntervalMS         int  `yaml:"tick_interval_ms"`
	MinRestartIntervalMS   int  `yaml:"min_restart_interval_ms"`
	PrewarmIdleMS          int  `yaml:"prewarm_idle_ms"`
	SessionOpenTimeoutMS   int  `yaml:"session_open_timeout_ms"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	QueueSize              int  `yaml:"queue_size"`
	HistorySegments        int  `yaml:"history_segments"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxSegments   int    `yaml:"max_segments"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SourcesConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout_ms"`
}

type ExportConfig struct {
	Enabled         bool `yaml:"enabled"`
	PruneIntervalMS int  `yaml:"prune_interval_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Activity    ActivityConfig   `yaml:"activity"`
	Capture     CaptureConfig    `yaml:"capture"`
	Store       StoreConfig      `yaml:"store"`
	Sources     SourcesConfig    `yaml:"sources"`
	Export      ExportConfig     `yaml:"export"`
}

func Default() Config {
	return Config{
		RuntimeName: "livecapd",
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
		Recognizer: RecognizerConfig{
			Mode:       "mock",
			Locale:     "en-US",
			SampleRate: 16000,
			Channels:   1,
		},
		Activity: ActivityConfig{
			WindowSamples:    100,
			StreakSamples:    5,
			LevelThreshold:   0.03,
			SampleIntervalMS: 30,
		},
		Capture: CaptureConfig{
			AutoStart:              true,
			TickIntervalMS:         800,
			MinRestartIntervalMS:   250,
			PrewarmIdleMS:          5000,
			SessionOpenTimeoutMS:   3000,
			MaxConsecutiveFailures: 3,
			QueueSize:              256,
			HistorySegments:        20,
		},
		Store: StoreConfig{
			Path:          "./data/livecap-captions.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxSegments:   100000,
		},
		Sources: SourcesConfig{
			HeartbeatTimeout: 6000,
		},
		Export: ExportConfig{
			Enabled:         true,
			PruneIntervalMS: 60000,
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
	overrideString(&cfg.RuntimeName, "LIVECAP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LIVECAP_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LIVECAP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LIVECAP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LIVECAP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LIVECAP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LIVECAP_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LIVECAP_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LIVECAP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LIVECAP_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LIVECAP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LIVECAP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LIVECAP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LIVECAP_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LIVECAP_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LIVECAP_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Recognizer.Mode, "LIVECAP_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "LIVECAP_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "LIVECAP_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Locale, "LIVECAP_RECOGNIZER_LOCALE")
	overrideInt(&cfg.Recognizer.SampleRate, "LIVECAP_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "LIVECAP_RECOGNIZER_CHANNELS")
	overrideInt(&cfg.Activity.WindowSamples, "LIVECAP_ACTIVITY_WINDOW_SAMPLES")
	overrideInt(&cfg.Activity.StreakSamples, "LIVECAP_ACTIVITY_STREAK_SAMPLES")
	overrideFloat(&cfg.Activity.LevelThreshold, "LIVECAP_ACTIVITY_LEVEL_THRESHOLD")
	overrideInt(&cfg.Activity.SampleIntervalMS, "LIVECAP_ACTIVITY_SAMPLE_INTERVAL_MS")
	overrideBool(&cfg.Capture.AutoStart, "LIVECAP_CAPTURE_AUTO_START")
	overrideInt(&cfg.Capture.TickIntervalMS, "LIVECAP_CAPTURE_TICK_INTERVAL_MS")
	overrideInt(&cfg.Capture.MinRestartIntervalMS, "LIVECAP_CAPTURE_MIN_RESTART_INTERVAL_MS")
	overrideInt(&cfg.Capture.PrewarmIdleMS, "LIVECAP_CAPTURE_PREWARM_IDLE_MS")
	overrideInt(&cfg.Capture.SessionOpenTimeoutMS, "LIVECAP_CAPTURE_SESSION_OPEN_TIMEOUT_MS")
	overrideInt(&cfg.Capture.MaxConsecutiveFailures, "LIVECAP_CAPTURE_MAX_CONSECUTIVE_FAILURES")
	overrideInt(&cfg.Capture.QueueSize, "LIVECAP_CAPTURE_QUEUE_SIZE")
	overrideInt(&cfg.Capture.HistorySegments, "LIVECAP_CAPTURE_HISTORY_SEGMENTS")
	overrideString(&cfg.Store.Path, "LIVECAP_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "LIVECAP_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "LIVECAP_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSegments, "LIVECAP_STORE_MAX_SEGMENTS")
	overrideBool(&cfg.Store.VacuumOnStart, "LIVECAP_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Sources.HeartbeatTimeout, "LIVECAP_SOURCES_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Export.Enabled, "LIVECAP_EXPORT_ENABLED")
	overrideInt(&cfg.Export.PruneIntervalMS, "LIVECAP_EXPORT_PRUNE_INTERVAL_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "exec":
	default:
		return errors.New("recognizer.mode must be one of mock|exec")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recognizer.Locale == "" {
		return errors.New("recognizer.locale must not be empty")
	}
	if cfg.Recognizer.SampleRate <= 0 {
		return errors.New("recognizer.sample_rate must be positive")
	}
	if cfg.Recognizer.Channels <= 0 {
		return errors.New("recognizer.channels must be positive")
	}
	if cfg.Activity.WindowSamples <= 0 {
		return errors.New("activity.window_samples must be positive")
	}
	if cfg.Activity.StreakSamples <= 0 {
		return errors.New("activity.streak_samples must be positive")
	}
	if cfg.Activity.StreakSamples > cfg.Activity.WindowSamples {
		return errors.New("activity.streak_samples must not exceed activity.window_samples")
	}
	if cfg.Activity.LevelThreshold < 0 || cfg.Activity.LevelThreshold > 1 {
		return errors.New("activity.level_threshold must be within [0,1]")
	}
	if cfg.Activity.SampleIntervalMS <= 0 {
		return errors.New("activity.sample_interval_ms must be positive")
	}
	if cfg.Capture.TickIntervalMS <= 0 {
		return errors.New("capture.tick_interval_ms must be positive")
	}
	if cfg.Capture.MinRestartIntervalMS < 0 {
		return errors.New("capture.min_restart_interval_ms must be >= 0")
	}
	if cfg.Capture.PrewarmIdleMS <= 0 {
		return errors.New("capture.prewarm_idle_ms must be positive")
	}
	if cfg.Capture.SessionOpenTimeoutMS <= 0 {
		return errors.New("capture.session_open_timeout_ms must be positive")
	}
	if cfg.Capture.MaxConsecutiveFailures <= 0 {
		return errors.New("capture.max_consecutive_failures must be >= 1")
	}
	if cfg.Capture.QueueSize <= 0 {
		return errors.New("capture.queue_size must be positive")
	}
	if cfg.Capture.HistorySegments <= 0 {
		return errors.New("capture.history_segments must be >= 1")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Store.RetentionMode == "persistent" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty when retention is persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxSegments < 0 {
		return errors.New("store.max_segments must be >= 0")
	}
	if cfg.Sources.HeartbeatTimeout <= 0 {
		return errors.New("sources.heartbeat_timeout_ms must be positive")
	}
	if cfg.Export.Enabled && cfg.Export.PruneIntervalMS <= 0 {
		return errors.New("export.prune_interval_ms must be positive when export is enabled")
	}
	return nil
}
