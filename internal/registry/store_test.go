package registry

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"

	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/pkg/types"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestOpenMissingDir(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	if !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestOpenExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "modelforge-store-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	tildePath := "~/" + filepath.Base(hTmp)
	if runtime.GOOS == "windows" {
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	}
	s, err := Open(tildePath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Root() != hTmp {
		t.Fatalf("root = %s, want %s", s.Root(), hTmp)
	}
}

func TestListDerivesKindAndSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "base", "model.safetensors"), 4096)
	writeFile(t, filepath.Join(root, "base", "config.json"), 100)
	writeFile(t, filepath.Join(root, "base-q4_k_m", "base.Q4_K_M.gguf"), 1024)
	writeFile(t, filepath.Join(root, "base-q4_k_m", SpecFileName), 20)
	writeFile(t, filepath.Join(root, ".cache", "x.gguf"), 1)
	writeFile(t, filepath.Join(root, "README.md"), 1)

	w := ledger.NewWriter(zerolog.Nop())
	_, err := w.Append(context.Background(), filepath.Join(root, "base-q4_k_m"), ledger.Record{
		Operation: types.OpQuantize,
		Metrics:   map[string]float64{"original_bytes": 4096, "quantized_bytes": 1024},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	s, err := Open(root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	arts, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %+v", arts)
	}
	if arts[0].ID != "base" || arts[0].Kind != types.KindOriginal || arts[0].SizeBytes != 4096 {
		t.Fatalf("unexpected base artifact: %+v", arts[0])
	}
	if arts[1].Kind != types.KindQuantized || arts[1].SizeBytes != 1024 || arts[1].Transformations != 1 {
		t.Fatalf("unexpected quantized artifact: %+v", arts[1])
	}
}

func TestLookupUnknownAndInvalid(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Lookup("nope"); !errs.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := s.Lookup("../etc"); !errs.IsValidation(err) {
		t.Fatalf("expected Validation, got %v", err)
	}
	if s.Exists("..") {
		t.Fatalf(".. must never exist as an artifact")
	}
}

func TestValidateID(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, " padded"} {
		if err := ValidateID(bad); !errs.IsValidation(err) {
			t.Fatalf("ValidateID(%q) = %v, want Validation", bad, err)
		}
	}
	for _, ok := range []string{"m1", "qwen2.5-coder-1.5b_ft_v1", "sqlcoder-q4"} {
		if err := ValidateID(ok); err != nil {
			t.Fatalf("ValidateID(%q): %v", ok, err)
		}
	}
}

func TestHasArtifactIgnoresControlFiles(t *testing.T) {
	dir := t.TempDir()
	if has, err := HasArtifact(filepath.Join(dir, "missing")); err != nil || has {
		t.Fatalf("missing dir: has=%v err=%v", has, err)
	}
	writeFile(t, filepath.Join(dir, SpecFileName), 10)
	writeFile(t, filepath.Join(dir, ledger.FileName), 10)
	writeFile(t, filepath.Join(dir, ledger.FileName+".tmp.123"), 10)
	if has, err := HasArtifact(dir); err != nil || has {
		t.Fatalf("control files only: has=%v err=%v", has, err)
	}
	writeFile(t, filepath.Join(dir, "w.gguf"), 10)
	if has, _ := HasArtifact(dir); !has {
		t.Fatalf("expected weights to count as artifact content")
	}
}

func TestWeightBytesFallsBackToAllContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "adapter", "weights.dat"), 300)
	writeFile(t, filepath.Join(dir, SpecFileName), 50)
	n, err := WeightBytes(dir)
	if err != nil {
		t.Fatalf("weight bytes: %v", err)
	}
	if n != 300 {
		t.Fatalf("got %d, want 300", n)
	}
}
