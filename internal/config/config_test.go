package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()

	if cfg.Engine.MaxDepth != 2 {
		t.Errorf("expected max_depth 2, got %d", cfg.Engine.MaxDepth)
	}
	if cfg.Engine.RetryThreshold != 3 {
		t.Errorf("expected retry_threshold 3, got %d", cfg.Engine.RetryThreshold)
	}
	if cfg.Sandbox.Timeout.Duration != 30*time.Second {
		t.Errorf("expected sandbox timeout 30s, got %s", cfg.Sandbox.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rlm.toml")
	content := `
[llm]
model = "claude-sonnet-4"

[small_llm]
model = "claude-haiku"

[engine]
max_depth = 3
invocation_timeout = "45s"
accept_intermediate = true

[profiles.legal]
model = "gpt-4o"
provider = "openai"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Engine.MaxDepth != 3 {
		t.Errorf("expected max_depth 3, got %d", cfg.Engine.MaxDepth)
	}
	if cfg.Engine.InvocationTimeout.Duration != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.Engine.InvocationTimeout)
	}
	if !cfg.Engine.AcceptIntermediate {
		t.Error("expected accept_intermediate")
	}
	// Unset keys keep their defaults
	if cfg.Engine.RetryThreshold != 3 {
		t.Errorf("expected default retry_threshold, got %d", cfg.Engine.RetryThreshold)
	}

	legal := cfg.GetProfile("legal")
	if legal.Model != "gpt-4o" || legal.Provider != "openai" {
		t.Errorf("unexpected profile: %+v", legal)
	}
	if legal.MaxTokens != 4096 {
		t.Errorf("profile should inherit max_tokens, got %d", legal.MaxTokens)
	}
	if cfg.GetProfile("missing").Model != "claude-sonnet-4" {
		t.Error("missing profile should fall back to llm")
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rlm.toml")
	os.WriteFile(path, []byte("[engine]\nmax_depth = 0\n"), 0644)

	if _, err := LoadFile(path); err == nil {
		t.Error("expected validation error for max_depth 0")
	}

	os.WriteFile(path, []byte("[engine]\nbackoff = \"soon\"\n"), 0644)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestFocusPath(t *testing.T) {
	cfg := New()
	cfg.Agent.Workspace = "/work"
	if got := cfg.FocusPath(); got != "/work/FOCUS.md" {
		t.Errorf("expected /work/FOCUS.md, got %s", got)
	}
	cfg.Storage.FocusFile = "/abs/focus.md"
	if got := cfg.FocusPath(); got != "/abs/focus.md" {
		t.Errorf("expected absolute path kept, got %s", got)
	}
}
