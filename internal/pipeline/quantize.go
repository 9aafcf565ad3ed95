package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
	"modelforge/internal/recorder"
	"modelforge/internal/registry"
	"modelforge/pkg/types"
)

// QuantizeRequest describes one quantization run.
type QuantizeRequest struct {
	SourceDir string
	OutputDir string
	Method    Method
	Force     bool
}

// DefaultQuantizeOutput is <store>/<source-name>-<method-lower>.
func DefaultQuantizeOutput(storeDir, sourceDir string, m Method) string {
	return filepath.Join(storeDir, filepath.Base(filepath.Clean(sourceDir))+"-"+strings.ToLower(string(m)))
}

// Quantizer converts a source model to GGUF and quantizes it.
type Quantizer struct {
	Toolchain Toolchain
	Recorder  Recorder
	// CrashDir receives crash and missing-license reports; empty disables them.
	CrashDir string
	Log      zerolog.Logger
}

// NewQuantizer returns a Quantizer without crash reports.
func NewQuantizer(tc Toolchain, rec Recorder, log zerolog.Logger) *Quantizer {
	return &Quantizer{Toolchain: tc, Recorder: rec, Log: log}
}

// Run executes the pipeline. A ledger record is written only when every
// step succeeded; on failure partial output stays on disk for inspection.
func (q *Quantizer) Run(ctx context.Context, req QuantizeRequest) (res Result, err error) {
	log := q.Log.With().Str("pipeline", "quantize").Str("source", req.SourceDir).Str("method", string(req.Method)).Logger()
	defer func() {
		finish("quantize", q.CrashDir, map[string]string{
			"source": req.SourceDir,
			"output": req.OutputDir,
			"method": string(req.Method),
		}, err, log)
	}()

	method, err := ParseMethod(string(req.Method))
	if err != nil {
		return Result{}, err
	}
	if !fsutil.IsDir(req.SourceDir) {
		return Result{}, errs.NotFound(req.SourceDir, "source model directory does not exist")
	}
	if req.OutputDir == "" {
		return Result{}, errs.Validation("output", "output directory is required")
	}
	id := filepath.Base(filepath.Clean(req.OutputDir))
	if err := registry.ValidateID(id); err != nil {
		return Result{}, err
	}
	if err := checkOutput(req.OutputDir, req.Force); err != nil {
		return Result{}, err
	}
	originalBytes, err := registry.WeightBytes(req.SourceDir)
	if err != nil {
		return Result{}, errs.IO(req.SourceDir, err)
	}
	if originalBytes <= 0 {
		return Result{}, errs.Validation(req.SourceDir, "source model has no weight files")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, errs.IO(req.OutputDir, err)
	}

	intermediate := filepath.Join(req.OutputDir, id+".f16.gguf")
	log.Info().Str("out", intermediate).Msg("converting to f16 GGUF")
	if err := q.Toolchain.Convert(ctx, req.SourceDir, intermediate); err != nil {
		return Result{}, errs.External("convert", err)
	}
	weightsName := id + "." + string(method) + ".gguf"
	weights := filepath.Join(req.OutputDir, weightsName)
	log.Info().Str("out", weights).Msg("quantizing")
	qerr := q.Toolchain.Quantize(ctx, intermediate, weights, method)
	if rerr := os.Remove(intermediate); rerr != nil && !os.IsNotExist(rerr) {
		log.Warn().Err(rerr).Str("path", intermediate).Msg("could not remove intermediate")
	}
	if qerr != nil {
		return Result{}, errs.External("quantize", qerr)
	}
	fi, err := os.Stat(weights)
	if err != nil {
		return Result{}, errs.External("quantize", err)
	}
	quantizedBytes := fi.Size()

	if err := copyLicense(req.SourceDir, req.OutputDir, q.CrashDir, time.Now(), log); err != nil {
		return Result{}, err
	}
	if err := registry.WriteSpec(req.OutputDir, registry.SpecFrom(weightsName)); err != nil {
		return Result{}, err
	}

	rec, err := q.Recorder.Record(ctx, req.OutputDir, types.OpQuantize,
		map[string]any{
			"method":    string(method),
			"source":    req.SourceDir,
			"source_id": filepath.Base(filepath.Clean(req.SourceDir)),
			"weights":   weightsName,
			"force":     req.Force,
		},
		map[string]float64{
			recorder.MetricOriginalBytes:  float64(originalBytes),
			recorder.MetricQuantizedBytes: float64(quantizedBytes),
		})
	if err != nil {
		return Result{}, err
	}
	log.Info().Str("model_id", id).Int64("original_bytes", originalBytes).Int64("quantized_bytes", quantizedBytes).
		Float64("reduction_ratio", rec.Metrics[recorder.MetricReductionRatio]).Msg("quantization complete")
	return Result{ModelID: id, OutputDir: req.OutputDir, Record: rec}, nil
}
