package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.Language != "en-US" {
		t.Fatalf("expected default language en-US, got %q", cfg.STT.Language)
	}
	if cfg.Visualizer.FFTSize != 256 {
		t.Fatalf("expected default fft size 256, got %d", cfg.Visualizer.FFTSize)
	}
	if cfg.Visualizer.FrameIntervalMS != 16 {
		t.Fatalf("expected default frame interval 16ms, got %d", cfg.Visualizer.FrameIntervalMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := `
runtime_name: scribe-test
stt:
  mode: exec
  command: "whisper-cli --threads 2"
  language: fr-FR
  languages: [fr-FR, it-IT]
visualizer:
  fft_size: 1024
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "scribe-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Language != "fr-FR" {
		t.Fatalf("unexpected stt config %+v", cfg.STT)
	}
	if len(cfg.STT.Languages) != 2 {
		t.Fatalf("expected 2 languages, got %v", cfg.STT.Languages)
	}
	if cfg.Visualizer.FFTSize != 1024 {
		t.Fatalf("expected fft size 1024, got %d", cfg.Visualizer.FFTSize)
	}
	// untouched sections keep defaults
	if cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.STT.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_SCRIBE_BUS_ENABLED", "true")
	t.Setenv("LOQA_SCRIBE_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("LOQA_SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_SCRIBE_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_SCRIBE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_SCRIBE_STT_MODE", "bus")
	t.Setenv("LOQA_SCRIBE_STT_LANGUAGE", "de-DE")
	t.Setenv("LOQA_SCRIBE_STT_SEGMENT_MS", "2500")
	t.Setenv("LOQA_SCRIBE_CAPTURE_BACKEND", "none")
	t.Setenv("LOQA_SCRIBE_CAPTURE_TONE_HZ", "440.5")
	t.Setenv("LOQA_SCRIBE_VISUALIZER_FFT_SIZE", "2048")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected external bus, got %+v", cfg.Bus)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.STT.Mode != "bus" || cfg.STT.Language != "de-DE" || cfg.STT.SegmentMS != 2500 {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.Capture.Backend != "none" || cfg.Capture.ToneHz != 440.5 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Visualizer.FFTSize != 2048 {
		t.Fatalf("expected fft size override, got %d", cfg.Visualizer.FFTSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"fft not power of two", func(c *Config) { c.Visualizer.FFTSize = 300 }, "fft_size"},
		{"fft too small", func(c *Config) { c.Visualizer.FFTSize = 16 }, "fft_size"},
		{"unknown stt mode", func(c *Config) { c.STT.Mode = "cloud" }, "stt.mode"},
		{"exec without command", func(c *Config) { c.STT.Mode = "exec" }, "stt.command"},
		{"bus mode without bus", func(c *Config) { c.STT.Mode = "bus" }, "bus.enabled"},
		{"empty language", func(c *Config) { c.STT.Language = " " }, "stt.language"},
		{"unknown capture backend", func(c *Config) { c.Capture.Backend = "alsa" }, "capture.backend"},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "retention_mode"},
		{"bus without node id", func(c *Config) { c.Bus.Enabled = true; c.Node.ID = "" }, "node.id"},
		{"heartbeat timeout too short", func(c *Config) { c.Bus.Enabled = true; c.Node.HeartbeatTimeout = 1000 }, "heartbeat_timeout_ms"},
		{"no export dir", func(c *Config) { c.Export.Directory = "" }, "export.directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	cfg := Default()
	cfg.Visualizer.Enabled = false
	cfg.Visualizer.FFTSize = 0
	if err := validate(cfg); err != nil {
		t.Fatalf("disabled visualizer should skip fft validation: %v", err)
	}
}
