package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/internal/recorder"
	"modelforge/internal/registry"
	"modelforge/pkg/types"
)

const (
	// ConfigFileName holds the fine-tuning settings next to the weights.
	ConfigFileName = "finetuning_config.json"
	// MergedWeightsDir is where the trainer puts merged weights.
	MergedWeightsDir = "weights"
	DefaultVersion   = "v1"
)

// FinetuneRequest describes one fine-tuning run.
type FinetuneRequest struct {
	BaseDir   string
	DataPath  string
	OutputDir string
	Version   string
	Params    Hyperparams
	Force     bool
}

// DefaultFinetuneOutput is <store>/<base-name>_ft_<version>.
func DefaultFinetuneOutput(storeDir, baseDir, version string) string {
	if version == "" {
		version = DefaultVersion
	}
	return filepath.Join(storeDir, filepath.Base(filepath.Clean(baseDir))+"_ft_"+version)
}

// FineTuner trains a LoRA adapter on a base model.
type FineTuner struct {
	Toolchain Toolchain
	Recorder  Recorder
	Operator  ledger.Operator
	CrashDir  string
	Log       zerolog.Logger
	Now       func() time.Time
}

// NewFineTuner returns a FineTuner that stamps its metadata with op.
func NewFineTuner(tc Toolchain, rec Recorder, op ledger.Operator, log zerolog.Logger) *FineTuner {
	return &FineTuner{Toolchain: tc, Recorder: rec, Operator: op, Log: log, Now: time.Now}
}

// finetuneConfig is written as finetuning_config.json.
type finetuneConfig struct {
	Method        string           `json:"method"`
	Version       string           `json:"version"`
	BaseModel     string           `json:"base_model"`
	LoRA          loraConfig       `json:"lora_config"`
	Training      trainingConfig   `json:"training_config"`
	Merged        bool             `json:"merged"`
	Examples      int              `json:"examples"`
	FinetunedDate time.Time        `json:"finetuned_date"`
	FinetunedBy   string           `json:"finetuned_by"`
	Organization  string           `json:"organization"`
	Role          string           `json:"role"`
	System        systemDescriptor `json:"system"`
}

type loraConfig struct {
	R             int      `json:"r"`
	Alpha         int      `json:"alpha"`
	Dropout       float64  `json:"dropout"`
	TargetModules []string `json:"target_modules"`
}

type trainingConfig struct {
	NumEpochs    int     `json:"num_epochs"`
	BatchSize    int     `json:"batch_size"`
	GradAccum    int     `json:"gradient_accumulation_steps"`
	LearningRate float64 `json:"learning_rate"`
	MaxSeqLen    int     `json:"max_seq_length"`
	WarmupSteps  int     `json:"warmup_steps"`
}

type systemDescriptor struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	CPUs int    `json:"cpus"`
}

// Run executes the pipeline. The ledger record is written only after the
// trainer succeeded with a finite loss and the output metadata is in place.
func (f *FineTuner) Run(ctx context.Context, req FinetuneRequest) (res Result, err error) {
	if req.Version == "" {
		req.Version = DefaultVersion
	}
	log := f.Log.With().Str("pipeline", "finetune").Str("base", req.BaseDir).Str("version", req.Version).Logger()
	defer func() {
		finish("finetune", f.CrashDir, map[string]string{
			"base":    req.BaseDir,
			"data":    req.DataPath,
			"output":  req.OutputDir,
			"version": req.Version,
			"user":    f.Operator.Name,
		}, err, log)
	}()

	if !fsutil.IsDir(req.BaseDir) {
		return Result{}, errs.NotFound(req.BaseDir, "base model directory does not exist")
	}
	if err := registry.ValidateID(req.Version); err != nil {
		return Result{}, err
	}
	if err := req.Params.Validate(); err != nil {
		return Result{}, err
	}
	files, examples, err := ValidateTrainingData(req.DataPath)
	if err != nil {
		return Result{}, err
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
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, errs.IO(req.OutputDir, err)
	}

	log.Info().Int("examples", examples).Int("files", len(files)).Msg("training")
	summary, err := f.Toolchain.Train(ctx, TrainSpec{
		BaseDir:   req.BaseDir,
		DataFiles: files,
		OutputDir: req.OutputDir,
		Version:   req.Version,
		Params:    req.Params,
	})
	if err != nil {
		return Result{}, errs.External("train", err)
	}
	loss := float64(summary.FinalLoss)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return Result{}, errs.External("train", fmt.Errorf("training diverged: final loss %v", loss))
	}
	if summary.Examples == 0 {
		summary.Examples = examples
	}
	if summary.Epochs == 0 {
		summary.Epochs = float64(req.Params.Epochs)
	}

	if err := copyLicense(req.BaseDir, req.OutputDir, f.CrashDir, f.now(), log); err != nil {
		return Result{}, err
	}
	if err := f.writeConfig(req, examples); err != nil {
		return Result{}, err
	}
	if err := registry.WriteSpec(req.OutputDir, finetunedSpec(req)); err != nil {
		return Result{}, err
	}

	cfg := req.Params.Flatten()
	cfg["method"] = "lora"
	cfg["version"] = req.Version
	cfg["base_model"] = req.BaseDir
	cfg["base_id"] = filepath.Base(filepath.Clean(req.BaseDir))
	cfg["data"] = req.DataPath
	cfg["force"] = req.Force
	rec, err := f.Recorder.Record(ctx, req.OutputDir, types.OpFinetune, cfg, map[string]float64{
		recorder.MetricFinalLoss: loss,
		recorder.MetricEpochs:    summary.Epochs,
		"steps":                  float64(summary.Steps),
		"examples":               float64(summary.Examples),
		"train_runtime_sec":      summary.TrainRuntimeSec,
	})
	if err != nil {
		return Result{}, err
	}
	log.Info().Str("model_id", id).Float64("final_loss", loss).Msg("fine-tuning complete")
	return Result{ModelID: id, OutputDir: req.OutputDir, Record: rec}, nil
}

func (f *FineTuner) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *FineTuner) writeConfig(req FinetuneRequest, examples int) error {
	now := f.now
	p := req.Params
	doc := finetuneConfig{
		Method:    "lora",
		Version:   req.Version,
		BaseModel: req.BaseDir,
		LoRA:      loraConfig{R: p.Rank, Alpha: p.Alpha, Dropout: p.Dropout, TargetModules: p.TargetModules},
		Training: trainingConfig{
			NumEpochs:    p.Epochs,
			BatchSize:    p.BatchSize,
			GradAccum:    p.GradAccum,
			LearningRate: p.LearningRate,
			MaxSeqLen:    p.MaxSeqLen,
			WarmupSteps:  p.WarmupSteps,
		},
		Merged:        p.Merge,
		Examples:      examples,
		FinetunedDate: now().UTC(),
		FinetunedBy:   f.Operator.Name,
		Organization:  f.Operator.Organization,
		Role:          f.Operator.Role,
		System:        systemDescriptor{OS: runtime.GOOS, Arch: runtime.GOARCH, CPUs: runtime.NumCPU()},
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(req.OutputDir, ConfigFileName)
	if err := fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644); err != nil {
		return errs.IO(path, err)
	}
	return nil
}

// finetunedSpec loads merged weights directly, or layers the adapter in the
// output directory over the base model.
func finetunedSpec(req FinetuneRequest) string {
	if req.Params.Merge {
		return registry.SpecFrom(MergedWeightsDir)
	}
	base, err := filepath.Abs(req.BaseDir)
	if err != nil {
		base = req.BaseDir
	}
	return "FROM " + base + "\nADAPTER ./\n"
}
