package main

import (
	"testing"

	"lightkeyd/internal/config"
)

func TestApplyDefaults(t *testing.T) {
	var cfg config.Config
	applyDefaults(&cfg)
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.DefaultModel != "gemma3:4b" {
		t.Fatalf("model = %q", cfg.DefaultModel)
	}
	if cfg.MaxPerInstance != 3 || cfg.BatchWorkers != 5 {
		t.Fatalf("concurrency defaults: %+v", cfg)
	}
	if cfg.Container.ContainerPort != 11434 {
		t.Fatalf("container port = %d", cfg.Container.ContainerPort)
	}
}

func TestApplyDefaultsKeepsExplicit(t *testing.T) {
	cfg := config.Config{Addr: ":9000", DefaultModel: "llava:7b", BatchWorkers: 2}
	applyDefaults(&cfg)
	if cfg.Addr != ":9000" || cfg.DefaultModel != "llava:7b" || cfg.BatchWorkers != 2 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("LIGHTKEYD_TEST_KEY", "set")
	if got := envOr("LIGHTKEYD_TEST_KEY", "def"); got != "set" {
		t.Fatalf("envOr = %q", got)
	}
	if got := envOr("LIGHTKEYD_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("envOr = %q", got)
	}
}
