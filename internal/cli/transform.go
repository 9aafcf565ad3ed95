package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
	"modelforge/internal/pipeline"
	"modelforge/internal/recorder"
	"modelforge/internal/registry"
)

// sourcePath accepts either a directory path or the id of an artifact in the store.
func (a *app) sourcePath(src string) (string, error) {
	if src == "" {
		return "", errs.Validation("source", "required")
	}
	p, err := fsutil.ExpandHome(src)
	if err != nil {
		return "", err
	}
	if fsutil.IsDir(p) {
		return filepath.Abs(p)
	}
	if registry.ValidateID(src) == nil {
		if inStore := filepath.Join(a.cfg.StoreDir, src); fsutil.IsDir(inStore) {
			return inStore, nil
		}
	}
	return "", errs.NotFound(src, "no such model directory or artifact")
}

// outputPath picks --output, then --id inside the store, then def.
func (a *app) outputPath(output, id, def string) (string, error) {
	switch {
	case output != "":
		p, err := fsutil.ExpandHome(output)
		if err != nil {
			return "", err
		}
		return filepath.Abs(p)
	case id != "":
		if err := registry.ValidateID(id); err != nil {
			return "", err
		}
		return filepath.Join(a.cfg.StoreDir, id), nil
	default:
		return def, nil
	}
}

func (a *app) ensureStore() error {
	if err := os.MkdirAll(a.cfg.StoreDir, 0o755); err != nil {
		return errs.IO(a.cfg.StoreDir, err)
	}
	return nil
}

func (a *app) quantizeCmd() *cobra.Command {
	var source, method, output, id string
	var force bool
	cmd := &cobra.Command{
		Use:   "quantize",
		Short: "Convert a model to GGUF and quantize it into a new artifact",
		Example: "  modelforge quantize --source ~/models/hf/qwen2.5-coder-1.5b-instruct --method q4_k_m\n" +
			"  modelforge quantize --source sqlcoder --method Q8_0 --id sqlcoder-q8 --force",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := pipeline.ParseMethod(method)
			if err != nil {
				return err
			}
			src, err := a.sourcePath(source)
			if err != nil {
				return err
			}
			out, err := a.outputPath(output, id, pipeline.DefaultQuantizeOutput(a.cfg.StoreDir, src, m))
			if err != nil {
				return err
			}
			if err := a.ensureStore(); err != nil {
				return err
			}
			q := pipeline.NewQuantizer(newToolchain(a.cfg, a.log), a.recorder(), a.log)
			q.CrashDir = a.cfg.CrashDir
			res, err := q.Run(cmd.Context(), pipeline.QuantizeRequest{SourceDir: src, OutputDir: out, Method: m, Force: force})
			if err != nil {
				return err
			}
			mt := res.Record.Metrics
			fmt.Fprintf(a.out, "Quantized %s (%s): %s -> %s, reduction %.1f%%\n",
				res.ModelID, m,
				fsutil.HumanBytes(int64(mt[recorder.MetricOriginalBytes])),
				fsutil.HumanBytes(int64(mt[recorder.MetricQuantizedBytes])),
				mt[recorder.MetricReductionRatio]*100)
			fmt.Fprintf(a.out, "Artifact: %s\nLedger record: #%d %s\n", res.OutputDir, res.Record.Seq, res.Record.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&source, "source", "", "Source model directory or artifact id (required)")
	f.StringVar(&method, "method", string(pipeline.Q4_K_M), "Quantization method: Q4_0|Q4_K_M|Q5_0|Q5_K_M|Q8_0")
	f.StringVar(&output, "output", "", "Output directory (default <store>/<source>-<method>)")
	f.StringVar(&id, "id", "", "Output artifact id inside the store")
	f.BoolVar(&force, "force", false, "Overwrite an existing artifact and append to its ledger")
	_ = cmd.MarkFlagRequired("source")
	cmd.MarkFlagsMutuallyExclusive("output", "id")
	return cmd
}

func (a *app) finetuneCmd() *cobra.Command {
	var base, data, output, id, version string
	var force bool
	p := pipeline.DefaultHyperparams()
	var targets string
	cmd := &cobra.Command{
		Use:   "finetune",
		Short: "Train a LoRA adapter on a base model into a new artifact",
		Example: "  modelforge finetune --base qwen2.5-coder-1.5b-instruct --data ./training-data --version v2\n" +
			"  modelforge finetune --base ~/models/hf/llama --data sql.jsonl --rank 8 --epochs 1 --merge",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.sourcePath(base)
			if err != nil {
				return err
			}
			dataPath, err := fsutil.ExpandHome(data)
			if err != nil {
				return err
			}
			if version == "" {
				version = pipeline.DefaultVersion
			}
			out, err := a.outputPath(output, id, pipeline.DefaultFinetuneOutput(a.cfg.StoreDir, b, version))
			if err != nil {
				return err
			}
			p.TargetModules = splitList(targets)
			if err := a.ensureStore(); err != nil {
				return err
			}
			ft := pipeline.NewFineTuner(newToolchain(a.cfg, a.log), a.recorder(), a.operator(), a.log)
			ft.CrashDir = a.cfg.CrashDir
			res, err := ft.Run(cmd.Context(), pipeline.FinetuneRequest{
				BaseDir: b, DataPath: dataPath, OutputDir: out, Version: version, Params: p, Force: force,
			})
			if err != nil {
				return err
			}
			mt := res.Record.Metrics
			fmt.Fprintf(a.out, "Fine-tuned %s: final loss %.4f after %g epochs on %g examples\n",
				res.ModelID, mt[recorder.MetricFinalLoss], mt[recorder.MetricEpochs], mt["examples"])
			fmt.Fprintf(a.out, "Artifact: %s\nLedger record: #%d %s\n", res.OutputDir, res.Record.Seq, res.Record.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&base, "base", "", "Base model directory or artifact id (required)")
	f.StringVar(&data, "data", "", "Training data directory of *.jsonl files, or one .jsonl file (required)")
	f.StringVar(&output, "output", "", "Output directory (default <store>/<base>_ft_<version>)")
	f.StringVar(&id, "id", "", "Output artifact id inside the store")
	f.StringVar(&version, "version", pipeline.DefaultVersion, "Version tag of the fine-tune")
	f.BoolVar(&force, "force", false, "Overwrite an existing artifact and append to its ledger")
	f.IntVar(&p.Rank, "rank", p.Rank, "LoRA rank")
	f.IntVar(&p.Alpha, "alpha", p.Alpha, "LoRA alpha")
	f.Float64Var(&p.Dropout, "dropout", p.Dropout, "LoRA dropout")
	f.IntVar(&p.Epochs, "epochs", p.Epochs, "Training epochs")
	f.Float64Var(&p.LearningRate, "lr", p.LearningRate, "Learning rate")
	f.IntVar(&p.BatchSize, "batch-size", p.BatchSize, "Per-device batch size")
	f.IntVar(&p.GradAccum, "grad-accum", p.GradAccum, "Gradient accumulation steps")
	f.IntVar(&p.MaxSeqLen, "max-seq-len", p.MaxSeqLen, "Maximum sequence length")
	f.IntVar(&p.WarmupSteps, "warmup-steps", p.WarmupSteps, "Warmup steps")
	f.StringVar(&targets, "target-modules", strings.Join(p.TargetModules, ","), "Comma-separated modules to adapt")
	f.BoolVar(&p.Merge, "merge", false, "Merge the adapter into the base weights")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("data")
	cmd.MarkFlagsMutuallyExclusive("output", "id")
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
