package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/internal/registry"
)

func newSource(t *testing.T, root, name string, weightBytes int, license bool) string {
	t.Helper()
	dir := filepath.Join(root, name)
	writeFile(t, filepath.Join(dir, "model.safetensors"), weightBytes)
	writeFile(t, filepath.Join(dir, "config.json"), 64)
	if license {
		if err := os.WriteFile(filepath.Join(dir, LicenseFileName), []byte("Apache-2.0\n"), 0o644); err != nil {
			t.Fatalf("license: %v", err)
		}
	}
	return dir
}

func TestQuantizeRecordsRealSizes(t *testing.T) {
	root := t.TempDir()
	src := newSource(t, root, "qwen", 4000, true)
	out := DefaultQuantizeOutput(root, src, Q4_K_M)
	tc := &fakeToolchain{quantizedSize: 1000}
	q := NewQuantizer(tc, newTestRecorder(), zerolog.Nop())

	res, err := q.Run(context.Background(), QuantizeRequest{SourceDir: src, OutputDir: out, Method: "q4_k_m"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ModelID != "qwen-q4_k_m" {
		t.Fatalf("model id = %s", res.ModelID)
	}
	m := res.Record.Metrics
	if m["original_bytes"] != 4000 || m["quantized_bytes"] != 1000 {
		t.Fatalf("unexpected sizes: %+v", m)
	}
	if got := m["reduction_ratio"]; got != 1-1000.0/4000.0 {
		t.Fatalf("reduction_ratio = %v", got)
	}
	if _, err := os.Stat(filepath.Join(out, "qwen-q4_k_m.f16.gguf")); !os.IsNotExist(err) {
		t.Fatalf("intermediate must be removed")
	}
	spec, err := os.ReadFile(filepath.Join(out, registry.SpecFileName))
	if err != nil || string(spec) != "FROM ./qwen-q4_k_m.Q4_K_M.gguf\n" {
		t.Fatalf("spec = %q err=%v", spec, err)
	}
	if _, err := os.Stat(filepath.Join(out, LicenseFileName)); err != nil {
		t.Fatalf("LICENSE not copied: %v", err)
	}
	doc, err := ledger.Read(out)
	if err != nil || len(doc.Records) != 1 || doc.Records[0].Config["method"] != "Q4_K_M" {
		t.Fatalf("ledger: %+v err=%v", doc, err)
	}
}

func TestQuantizeConflictBeforeWork(t *testing.T) {
	root := t.TempDir()
	src := newSource(t, root, "base", 100, false)
	out := filepath.Join(root, "taken")
	writeFile(t, filepath.Join(out, "old.gguf"), 10)
	tc := &fakeToolchain{quantizedSize: 10}
	_, err := NewQuantizer(tc, newTestRecorder(), zerolog.Nop()).Run(context.Background(),
		QuantizeRequest{SourceDir: src, OutputDir: out, Method: Q8_0})
	if !errs.IsConflict(err) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if tc.callCount() != 0 {
		t.Fatalf("no tool may run on conflict, got %v", tc.calls)
	}
}

func TestQuantizeForceAppendsToExistingLedger(t *testing.T) {
	root := t.TempDir()
	src := newSource(t, root, "base", 800, false)
	out := filepath.Join(root, "base-q8")
	q := NewQuantizer(&fakeToolchain{quantizedSize: 400}, newTestRecorder(), zerolog.Nop())
	ctx := context.Background()

	if _, err := q.Run(ctx, QuantizeRequest{SourceDir: src, OutputDir: out, Method: Q8_0}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := os.ReadFile(filepath.Join(out, ledger.FileName))
	if _, err := q.Run(ctx, QuantizeRequest{SourceDir: src, OutputDir: out, Method: Q8_0}); !errs.IsConflict(err) {
		t.Fatalf("second run without force: %v", err)
	}
	if _, err := q.Run(ctx, QuantizeRequest{SourceDir: src, OutputDir: out, Method: Q8_0, Force: true}); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(out, ledger.FileName))
	if !bytes.HasPrefix(after, before) || len(after) == len(before) {
		t.Fatalf("forced run must extend the existing ledger")
	}
	doc, err := ledger.Read(out)
	if err != nil || len(doc.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v err=%v", doc.Records, err)
	}
}

func TestQuantizeFailureWritesNoRecord(t *testing.T) {
	root := t.TempDir()
	src := newSource(t, root, "base", 100, false)
	out := filepath.Join(root, "base-q4_0")
	crashDir := filepath.Join(root, "logs")
	q := NewQuantizer(&fakeToolchain{quantizeErr: errors.New("exit status 1")}, newTestRecorder(), zerolog.Nop())
	q.CrashDir = crashDir

	_, err := q.Run(context.Background(), QuantizeRequest{SourceDir: src, OutputDir: out, Method: Q4_0})
	if !errs.IsExternal(err) {
		t.Fatalf("expected External, got %v", err)
	}
	if _, err := ledger.Read(out); !errs.IsNotFound(err) {
		t.Fatalf("failed run must not create a ledger: %v", err)
	}
	reports, _ := filepath.Glob(filepath.Join(crashDir, "crash_report_quantize_*.log"))
	if len(reports) != 1 {
		t.Fatalf("expected one crash report, got %v", reports)
	}
	body, _ := os.ReadFile(reports[0])
	if !strings.Contains(string(body), "exit status 1") || !strings.Contains(string(body), "method: Q4_0") {
		t.Fatalf("crash report lacks details:\n%s", body)
	}
}

func TestQuantizeInputErrors(t *testing.T) {
	root := t.TempDir()
	src := newSource(t, root, "base", 100, false)
	q := NewQuantizer(&fakeToolchain{}, newTestRecorder(), zerolog.Nop())
	ctx := context.Background()

	if _, err := q.Run(ctx, QuantizeRequest{SourceDir: src, OutputDir: filepath.Join(root, "o"), Method: "Q3_K"}); !errs.IsValidation(err) {
		t.Fatalf("bad method: %v", err)
	}
	if _, err := q.Run(ctx, QuantizeRequest{SourceDir: filepath.Join(root, "none"), OutputDir: filepath.Join(root, "o"), Method: Q4_0}); !errs.IsNotFound(err) {
		t.Fatalf("missing source: %v", err)
	}
	empty := filepath.Join(root, "empty")
	writeFile(t, filepath.Join(empty, registry.SpecFileName), 0)
	if _, err := q.Run(ctx, QuantizeRequest{SourceDir: empty, OutputDir: filepath.Join(root, "o"), Method: Q4_0}); !errs.IsValidation(err) {
		t.Fatalf("source without weights: %v", err)
	}
}

func TestConcurrentQuantizationOfDistinctArtifacts(t *testing.T) {
	root := t.TempDir()
	q := NewQuantizer(&fakeToolchain{quantizedSize: 50}, newTestRecorder(), zerolog.Nop())
	names := []string{"a", "b", "c"}
	var wg sync.WaitGroup
	errc := make(chan error, len(names))
	for _, n := range names {
		src := newSource(t, root, n, 200, false)
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			_, err := q.Run(context.Background(), QuantizeRequest{SourceDir: src, OutputDir: DefaultQuantizeOutput(root, src, Q5_0), Method: Q5_0})
			errc <- err
		}(src)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	for _, n := range names {
		doc, err := ledger.Read(filepath.Join(root, n+"-q5_0"))
		if err != nil || len(doc.Records) != 1 {
			t.Fatalf("%s: records=%d err=%v", n, len(doc.Records), err)
		}
	}
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{"q4_0": Q4_0, "Q4_K_M": Q4_K_M, " q5_k_m ": Q5_K_M, "Q8_0": Q8_0} {
		got, err := ParseMethod(in)
		if err != nil || got != want {
			t.Fatalf("ParseMethod(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMethod("f16"); !errs.IsValidation(err) {
		t.Fatalf("expected Validation, got %v", err)
	}
}

func TestQuantizeLicenseHandling(t *testing.T) {
	root := t.TempDir()
	crashDir := filepath.Join(root, "logs")
	q := NewQuantizer(&fakeToolchain{quantizedSize: 100}, newTestRecorder(), zerolog.Nop())
	q.CrashDir = crashDir

	licensed := newSource(t, root, "licensed", 400, true)
	if _, err := q.Run(context.Background(), QuantizeRequest{SourceDir: licensed, OutputDir: DefaultQuantizeOutput(root, licensed, Q8_0), Method: Q8_0}); err != nil {
		t.Fatalf("run licensed: %v", err)
	}
	if reports, _ := filepath.Glob(filepath.Join(crashDir, "missing_license_*.log")); len(reports) != 0 {
		t.Fatalf("licensed source must not be reported: %v", reports)
	}

	bare := newSource(t, root, "bare", 400, false)
	if _, err := q.Run(context.Background(), QuantizeRequest{SourceDir: bare, OutputDir: DefaultQuantizeOutput(root, bare, Q8_0), Method: Q8_0}); err != nil {
		t.Fatalf("run bare: %v", err)
	}
	reports, _ := filepath.Glob(filepath.Join(crashDir, "missing_license_*.log"))
	if len(reports) != 1 {
		t.Fatalf("expected one missing license report, got %v", reports)
	}
	body, _ := os.ReadFile(reports[0])
	if !strings.Contains(string(body), "MISSING LICENSE WARNING") || !strings.Contains(string(body), bare) {
		t.Fatalf("unexpected report:\n%s", body)
	}
	if crashes, _ := filepath.Glob(filepath.Join(crashDir, "crash_report_*.log")); len(crashes) != 0 {
		t.Fatalf("a successful run must not write crash reports: %v", crashes)
	}
}
