package config

import (
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "store_dir: /m\n: broken\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.json", `{ "store_dir": "/m", "runtime_url": }`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.toml", "store_dir=/m\nruntime_url\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
}

func TestRuntimeBaseURL_TrimsAndDefaults(t *testing.T) {
	if got := (Config{}).RuntimeBaseURL(); got != DefaultRuntimeURL {
		t.Fatalf("empty url should default, got %s", got)
	}
	if got := (Config{RuntimeURL: "https://ollama.internal/ "}).RuntimeBaseURL(); got != "https://ollama.internal" {
		t.Fatalf("trailing slash/space not trimmed: %q", got)
	}
}
