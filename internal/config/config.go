package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirrored by the environment surface.
const (
	DefaultSQLitePath        = "sqlite://./asr_data/database/storage.db?mode=rwc"
	DefaultAudioDir          = "./asr_data/audio/"
	DefaultHTTPAddr          = "127.0.0.1:7200"
	DefaultRetentionDays     = 30
	DefaultTranscribeWorkers = 1
	DefaultSweepInterval     = 60 * time.Second
)

// Config holds service configuration resolved from defaults, an optional
// YAML file, and environment overrides (highest precedence).
type Config struct {
	SQLitePath        string        `yaml:"sqlite_path"`
	AudioDir          string        `yaml:"audio_dir"`
	HTTPAddr          string        `yaml:"http_addr"`
	EngineURL         string        `yaml:"engine_url"`
	RetentionDays     int           `yaml:"retention_days"`
	TranscribeWorkers int           `yaml:"transcribe_workers"`
	SweepInterval     time.Duration `yaml:"-"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
}

type fileConfig struct {
	SQLitePath           string `yaml:"sqlite_path"`
	AudioDir             string `yaml:"audio_dir"`
	HTTPAddr             string `yaml:"http_addr"`
	EngineURL            string `yaml:"engine_url"`
	RetentionDays        int    `yaml:"retention_days"`
	TranscribeWorkers    int    `yaml:"transcribe_workers"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	LogLevel             string `yaml:"log_level"`
	LogFormat            string `yaml:"log_format"`
}

// LookupFunc resolves an environment variable; empty values count as unset.
type LookupFunc func(key string) (string, bool)

type options struct {
	env        LookupFunc
	readFile   func(path string) ([]byte, error)
	configPath string
}

// Option customizes Load.
type Option func(*options)

// WithEnv overrides the environment lookup. Useful in tests.
func WithEnv(lookup LookupFunc) Option {
	return func(o *options) { o.env = lookup }
}

// WithFileReader overrides how the config file is read. Useful in tests.
func WithFileReader(read func(path string) ([]byte, error)) Option {
	return func(o *options) { o.readFile = read }
}

// WithConfigPath points Load at a specific config file.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

func osLookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return val, true
}

// Load resolves the service configuration.
func Load(opts ...Option) (Config, error) {
	o := options{
		env:        osLookup,
		readFile:   os.ReadFile,
		configPath: "scribe.yaml",
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Config{
		SQLitePath:        DefaultSQLitePath,
		AudioDir:          DefaultAudioDir,
		HTTPAddr:          DefaultHTTPAddr,
		RetentionDays:     DefaultRetentionDays,
		TranscribeWorkers: DefaultTranscribeWorkers,
		SweepInterval:     DefaultSweepInterval,
		LogLevel:          "info",
		LogFormat:         "text",
	}

	if data, err := o.readFile(o.configPath); err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", o.configPath, err)
		}
		applyFile(&cfg, fc)
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file %s: %w", o.configPath, err)
	}

	if err := applyEnv(&cfg, o.env); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.SQLitePath != "" {
		cfg.SQLitePath = fc.SQLitePath
	}
	if fc.AudioDir != "" {
		cfg.AudioDir = fc.AudioDir
	}
	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.EngineURL != "" {
		cfg.EngineURL = fc.EngineURL
	}
	if fc.RetentionDays > 0 {
		cfg.RetentionDays = fc.RetentionDays
	}
	if fc.TranscribeWorkers > 0 {
		cfg.TranscribeWorkers = fc.TranscribeWorkers
	}
	if fc.SweepIntervalSeconds > 0 {
		cfg.SweepInterval = time.Duration(fc.SweepIntervalSeconds) * time.Second
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}
}

func applyEnv(cfg *Config, env LookupFunc) error {
	if v, ok := env("ASR_SQLITE_PATH"); ok {
		cfg.SQLitePath = v
	}
	if v, ok := env("ASR_AUDIO_PATH"); ok {
		cfg.AudioDir = v
	}
	if v, ok := env("ASR_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := env("ASR_ENGINE_URL"); ok {
		cfg.EngineURL = v
	}
	if v, ok := env("ASR_RETENTION_DAYS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid ASR_RETENTION_DAYS value %q", v)
		}
		cfg.RetentionDays = n
	}
	if v, ok := env("ASR_TRANSCRIBE_WORKERS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid ASR_TRANSCRIBE_WORKERS value %q", v)
		}
		cfg.TranscribeWorkers = n
	}
	if v, ok := env("ASR_SWEEP_INTERVAL_SECONDS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid ASR_SWEEP_INTERVAL_SECONDS value %q", v)
		}
		cfg.SweepInterval = time.Duration(n) * time.Second
	}
	if v, ok := env("ASR_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := env("ASR_LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	return nil
}
