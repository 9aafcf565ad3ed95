package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"modelforge/internal/errs"
)

func TestEnsureSpecGeneratesFromFirstGGUF(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.gguf"), 1)
	writeFile(t, filepath.Join(dir, "a.Q4_K_M.gguf"), 1)
	content, created, err := EnsureSpec(dir)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created || content != "FROM ./a.Q4_K_M.gguf\n" {
		t.Fatalf("created=%v content=%q", created, content)
	}
	b, _ := os.ReadFile(filepath.Join(dir, SpecFileName))
	if string(b) != content {
		t.Fatalf("spec on disk %q", b)
	}

	again, created, err := EnsureSpec(dir)
	if err != nil || created || again != content {
		t.Fatalf("second call: created=%v content=%q err=%v", created, again, err)
	}
}

func TestEnsureSpecKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	custom := "FROM ./w.gguf\nPARAMETER temperature 0.2\n"
	if err := WriteSpec(dir, custom); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, created, err := EnsureSpec(dir)
	if err != nil || created || content != custom {
		t.Fatalf("created=%v content=%q err=%v", created, content, err)
	}
}

func TestEnsureSpecWithoutWeights(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := EnsureSpec(dir); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, _, err := EnsureSpec(filepath.Join(dir, "missing")); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound for missing dir, got %v", err)
	}
}

func TestAbsolutizeSpec(t *testing.T) {
	dir := filepath.FromSlash("/store/m1_ft_v1")
	in := "FROM qwen2.5:1.5b\nADAPTER ./\nPARAMETER num_ctx 4096\n"
	out := AbsolutizeSpec(dir, in)
	if !strings.Contains(out, "FROM qwen2.5:1.5b\n") {
		t.Fatalf("model reference must be kept: %q", out)
	}
	if !strings.Contains(out, "ADAPTER "+dir+"\n") {
		t.Fatalf("adapter path not absolutized: %q", out)
	}
	if !strings.Contains(out, "PARAMETER num_ctx 4096") {
		t.Fatalf("other lines must be kept: %q", out)
	}

	got := AbsolutizeSpec(dir, SpecFrom("w.gguf"))
	if got != "FROM "+filepath.Join(dir, "w.gguf")+"\n" {
		t.Fatalf("got %q", got)
	}
}

func TestAbsolutizeSpecKeepsTrailingTokens(t *testing.T) {
	dir := filepath.FromSlash("/store/m1")
	in := "FROM ./w.gguf # quantized weights\n  ADAPTER ./lora extra\nFROM llama3 # base\n"
	want := "FROM " + filepath.Join(dir, "w.gguf") + " # quantized weights\n" +
		"  ADAPTER " + filepath.Join(dir, "lora") + " extra\n" +
		"FROM llama3 # base\n"
	if got := AbsolutizeSpec(dir, in); got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}
