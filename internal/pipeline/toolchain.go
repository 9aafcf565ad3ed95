// Package pipeline implements the one-shot quantization and fine-tuning
// pipelines. Numerical work is delegated to external tools behind the
// Toolchain interface; the pipelines own validation, output layout, the
// runtime spec and the ledger record written on success.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SummaryFileName is written by the trainer into the output directory.
const SummaryFileName = "training_summary.json"

// Toolchain runs the external conversion, quantization and training tools.
type Toolchain interface {
	// Convert turns a source model directory into an f16 GGUF file.
	Convert(ctx context.Context, srcDir, outFile string) error
	// Quantize quantizes a GGUF file to method.
	Quantize(ctx context.Context, inFile, outFile string, method Method) error
	// Train runs LoRA training and returns the trainer's summary.
	Train(ctx context.Context, spec TrainSpec) (TrainingSummary, error)
}

// TrainSpec is the request handed to the trainer. With Params.Merge the
// trainer writes merged weights to OutputDir/weights, otherwise adapter
// weights directly into OutputDir.
type TrainSpec struct {
	BaseDir   string      `json:"base_dir"`
	DataFiles []string    `json:"data_files"`
	OutputDir string      `json:"output_dir"`
	Version   string      `json:"version"`
	Params    Hyperparams `json:"params"`
}

// TrainingSummary is the content of training_summary.json.
type TrainingSummary struct {
	FinalLoss       Float   `json:"final_loss"`
	Epochs          float64 `json:"epochs"`
	Steps           int     `json:"steps"`
	Examples        int     `json:"examples"`
	TrainRuntimeSec float64 `json:"train_runtime_sec"`
}

// Float decodes JSON numbers as well as the NaN and Infinity tokens that
// Python's json module emits for diverged losses.
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch s {
	case "NaN":
		*f = Float(math.NaN())
		return nil
	case "Infinity", "inf":
		*f = Float(math.Inf(1))
		return nil
	case "-Infinity", "-inf":
		*f = Float(math.Inf(-1))
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*f = Float(v)
	return nil
}

// quoteNonFinite quotes the bare NaN, Infinity and -Infinity literals that
// Python's json module emits, leaving string contents untouched.
func quoteNonFinite(b []byte) []byte {
	out := make([]byte, 0, len(b)+8)
	inString, escaped := false, false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if lit := nonFiniteAt(b[i:]); lit != "" {
			out = append(out, '"')
			out = append(out, lit...)
			out = append(out, '"')
			i += len(lit) - 1
			continue
		}
		out = append(out, c)
	}
	return out
}

func nonFiniteAt(b []byte) string {
	for _, lit := range []string{"-Infinity", "Infinity", "NaN"} {
		if bytes.HasPrefix(b, []byte(lit)) {
			return lit
		}
	}
	return ""
}

// ReadTrainingSummary parses a trainer summary file.
func ReadTrainingSummary(path string) (TrainingSummary, error) {
	var s TrainingSummary
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	b = quoteNonFinite(b)
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// ExecToolchain runs llama.cpp's converter and quantizer and a Python
// training script as child processes.
type ExecToolchain struct {
	Python        string
	ConvertScript string
	QuantizeBin   string
	TrainScript   string
	// Env is added to the inherited environment of every child.
	Env map[string]string
	Log zerolog.Logger
}

func (t *ExecToolchain) Convert(ctx context.Context, srcDir, outFile string) error {
	return t.run(ctx, cmd{Path: t.Python, Args: []string{t.ConvertScript, srcDir, "--outfile", outFile, "--outtype", "f16"}})
}

func (t *ExecToolchain) Quantize(ctx context.Context, inFile, outFile string, method Method) error {
	return t.run(ctx, cmd{Path: t.QuantizeBin, Args: []string{inFile, outFile, string(method)}})
}

// Train passes spec to the training script as a JSON file and reads back
// the summary the script leaves in the output directory.
func (t *ExecToolchain) Train(ctx context.Context, spec TrainSpec) (TrainingSummary, error) {
	f, err := os.CreateTemp("", "modelforge-train-*.json")
	if err != nil {
		return TrainingSummary{}, err
	}
	defer os.Remove(f.Name())
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(spec); err != nil {
		f.Close()
		return TrainingSummary{}, err
	}
	if err := f.Close(); err != nil {
		return TrainingSummary{}, err
	}
	if err := t.run(ctx, cmd{Path: t.Python, Args: []string{t.TrainScript, "--spec", f.Name()}}); err != nil {
		return TrainingSummary{}, err
	}
	return ReadTrainingSummary(filepath.Join(spec.OutputDir, SummaryFileName))
}

type cmd struct {
	Path string
	Args []string
	Dir  string
}

const stderrTail = 20

func (t *ExecToolchain) run(ctx context.Context, c cmd) error {
	ec := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		ec.Dir = c.Dir
	}
	ec.Env = os.Environ()
	for k, v := range t.Env {
		ec.Env = append(ec.Env, fmt.Sprintf("%s=%s", k, v))
	}
	stdout, err := ec.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := ec.StderrPipe()
	if err != nil {
		return err
	}
	t.Log.Debug().Str("cmd", c.Path).Strs("args", c.Args).Msg("exec")
	if err := ec.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.Path, err)
	}
	tail := &lineTail{max: stderrTail}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.stream("stdout", stdout, nil) }()
	go func() { defer wg.Done(); t.stream("stderr", stderr, tail) }()
	wg.Wait()
	if err := ec.Wait(); err != nil {
		if last := tail.String(); last != "" {
			return fmt.Errorf("%s: %w\n%s", filepath.Base(c.Path), err, last)
		}
		return fmt.Errorf("%s: %w", filepath.Base(c.Path), err)
	}
	return nil
}

func (t *ExecToolchain) stream(name string, r io.Reader, tail *lineTail) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		line := s.Text()
		t.Log.Debug().Str("stream", name).Msg(line)
		if tail != nil {
			tail.add(line)
		}
	}
}

// lineTail keeps the last max lines written to it.
type lineTail struct {
	max   int
	lines []string
}

func (l *lineTail) add(s string) {
	l.lines = append(l.lines, s)
	if len(l.lines) > l.max {
		l.lines = l.lines[len(l.lines)-l.max:]
	}
}

func (l *lineTail) String() string { return strings.Join(l.lines, "\n") }
