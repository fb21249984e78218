package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nendpoints:\n  - http://localhost:11434\ndefault_model: gemma3:4b\nmax_per_instance: 3\nmax_retries: 2\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || len(cfg.Endpoints) != 1 || cfg.Endpoints[0] != "http://localhost:11434" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.DefaultModel != "gemma3:4b" || cfg.MaxPerInstance != 3 || cfg.MaxRetries != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","cache_path":"/tmp/lk.db","cache_max_entries":500,"container":{"image":"ollama/ollama","port_start":11500,"port_end":11510}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.CachePath != "/tmp/lk.db" || cfg.CacheMaxEntries != 500 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Container.Image != "ollama/ollama" || cfg.Container.PortStart != 11500 || cfg.Container.PortEnd != 11510 {
		t.Fatalf("unexpected container spec: %+v", cfg.Container)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\ndefault_model=\"llava\"\nfailure_threshold=5\nprobe_interval_sec=10\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.DefaultModel != "llava" || cfg.FailureThreshold != 5 || cfg.ProbeIntervalSec != 10 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load(filepath.Join(d, "missing.yaml")); err == nil {
		t.Fatalf("expected error on missing file")
	}
}
