package config

import (
	"os"
	"testing"
	"time"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func missingFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithEnv(envMap{}.Lookup), WithFileReader(missingFile))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SQLitePath != DefaultSQLitePath {
		t.Fatalf("expected default sqlite path, got %q", cfg.SQLitePath)
	}
	if cfg.AudioDir != DefaultAudioDir {
		t.Fatalf("expected default audio dir, got %q", cfg.AudioDir)
	}
	if cfg.HTTPAddr != DefaultHTTPAddr {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.RetentionDays != DefaultRetentionDays {
		t.Fatalf("expected default retention days, got %d", cfg.RetentionDays)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("expected default sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	env := envMap{
		"ASR_SQLITE_PATH":            "sqlite:///tmp/other.db",
		"ASR_AUDIO_PATH":             "/tmp/audio",
		"ASR_HTTP_ADDR":              "0.0.0.0:9000",
		"ASR_RETENTION_DAYS":         "7",
		"ASR_TRANSCRIBE_WORKERS":     "4",
		"ASR_SWEEP_INTERVAL_SECONDS": "15",
	}
	cfg, err := Load(WithEnv(env.Lookup), WithFileReader(missingFile))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SQLitePath != "sqlite:///tmp/other.db" {
		t.Fatalf("sqlite path override not applied: %q", cfg.SQLitePath)
	}
	if cfg.AudioDir != "/tmp/audio" {
		t.Fatalf("audio dir override not applied: %q", cfg.AudioDir)
	}
	if cfg.HTTPAddr != "0.0.0.0:9000" {
		t.Fatalf("http addr override not applied: %q", cfg.HTTPAddr)
	}
	if cfg.RetentionDays != 7 {
		t.Fatalf("retention override not applied: %d", cfg.RetentionDays)
	}
	if cfg.TranscribeWorkers != 4 {
		t.Fatalf("worker count override not applied: %d", cfg.TranscribeWorkers)
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Fatalf("sweep interval override not applied: %v", cfg.SweepInterval)
	}
}

func TestLoadRejectsInvalidNumbers(t *testing.T) {
	_, err := Load(
		WithEnv(envMap{"ASR_RETENTION_DAYS": "zero"}.Lookup),
		WithFileReader(missingFile),
	)
	if err == nil {
		t.Fatal("expected error for invalid retention days")
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	file := []byte("http_addr: 1.2.3.4:80\nretention_days: 3\n")
	cfg, err := Load(
		WithEnv(envMap{"ASR_HTTP_ADDR": "5.6.7.8:90"}.Lookup),
		WithFileReader(func(string) ([]byte, error) { return file, nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTPAddr != "5.6.7.8:90" {
		t.Fatalf("expected env to win over file, got %q", cfg.HTTPAddr)
	}
	if cfg.RetentionDays != 3 {
		t.Fatalf("expected file value for retention days, got %d", cfg.RetentionDays)
	}
}
