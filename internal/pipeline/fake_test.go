package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"modelforge/internal/ledger"
	"modelforge/internal/recorder"
)

// fakeToolchain writes placeholder files of fixed sizes instead of running
// the real tools.
type fakeToolchain struct {
	mu            sync.Mutex
	quantizedSize int
	convertErr    error
	quantizeErr   error
	trainErr      error
	loss          float64
	calls         []string
}

func (f *fakeToolchain) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeToolchain) Convert(_ context.Context, srcDir, outFile string) error {
	f.record("convert")
	if f.convertErr != nil {
		return f.convertErr
	}
	return os.WriteFile(outFile, make([]byte, 2048), 0o644)
}

func (f *fakeToolchain) Quantize(_ context.Context, inFile, outFile string, _ Method) error {
	f.record("quantize")
	if _, err := os.Stat(inFile); err != nil {
		return err
	}
	if f.quantizeErr != nil {
		return f.quantizeErr
	}
	return os.WriteFile(outFile, make([]byte, f.quantizedSize), 0o644)
}

func (f *fakeToolchain) Train(_ context.Context, spec TrainSpec) (TrainingSummary, error) {
	f.record("train")
	if f.trainErr != nil {
		return TrainingSummary{}, f.trainErr
	}
	if err := os.WriteFile(filepath.Join(spec.OutputDir, "adapter_model.safetensors"), make([]byte, 512), 0o644); err != nil {
		return TrainingSummary{}, err
	}
	return TrainingSummary{FinalLoss: Float(f.loss), Epochs: float64(spec.Params.Epochs), Steps: 42, TrainRuntimeSec: 12.5}, nil
}

func (f *fakeToolchain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRecorder() *recorder.Recorder {
	return recorder.New(ledger.NewWriter(zerolog.Nop()), recorder.DetectHost(ledger.Operator{Name: "tester"}), zerolog.Nop())
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeJSONL(t *testing.T, path string, rows ...map[string]string) {
	t.Helper()
	var b []byte
	for _, r := range rows {
		line, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		b = append(append(b, line...), '\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

var nan = math.NaN()
