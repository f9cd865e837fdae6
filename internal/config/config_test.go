package config

import (
	"os"
	"path/filepath"
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
	if cfg.Segmenter.MaxLength != 200 {
		t.Fatalf("expected default max length 200, got %d", cfg.Segmenter.MaxLength)
	}
	if cfg.Playback.StallTimeoutMS != 0 {
		t.Fatalf("expected no stall timeout by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_STREAMS", "123")
	t.Setenv("LOQA_SEGMENTER_MAX_LENGTH", "80")
	t.Setenv("LOQA_ENGINE_MODE", "exec")
	t.Setenv("LOQA_ENGINE_COMMAND", "piper --json")
	t.Setenv("LOQA_ENGINE_SPEED", "1.25")
	t.Setenv("LOQA_PLAYBACK_ENABLED", "true")
	t.Setenv("LOQA_PLAYBACK_MODE", "wav")
	t.Setenv("LOQA_PLAYBACK_STALL_TIMEOUT_MS", "3000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
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
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.MaxStreams != 123 {
		t.Fatalf("expected event store max streams override")
	}
	if cfg.Segmenter.MaxLength != 80 {
		t.Fatalf("expected max length 80, got %d", cfg.Segmenter.MaxLength)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "piper --json" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.Speed != 1.25 {
		t.Fatalf("expected speed 1.25, got %v", cfg.Engine.Speed)
	}
	if !cfg.Playback.Enabled || cfg.Playback.Mode != "wav" || cfg.Playback.StallTimeoutMS != 3000 {
		t.Fatalf("expected playback overrides, got %+v", cfg.Playback)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readaloud.yaml")
	data := []byte("runtime_name: reader\nsegmenter:\n  max_length: 42\nengine:\n  voice: en-GB\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "reader" || cfg.Segmenter.MaxLength != 42 || cfg.Engine.Voice != "en-GB" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Engine.SampleRate != 22050 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Engine.SampleRate)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"max length":      func(c *Config) { c.Segmenter.MaxLength = 0 },
		"engine mode":     func(c *Config) { c.Engine.Mode = "robot" },
		"exec command":    func(c *Config) { c.Engine.Mode = "exec" },
		"elevenlabs key":  func(c *Config) { c.Engine.Mode = "elevenlabs" },
		"playback mode":   func(c *Config) { c.Playback.Enabled = true; c.Playback.Mode = "speaker" },
		"stall timeout":   func(c *Config) { c.Playback.StallTimeoutMS = -1 },
		"retention mode":  func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"request timeout": func(c *Config) { c.Client.RequestTimeoutMS = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
