package pipeline

import (
	"strings"

	"modelforge/internal/errs"
)

// Hyperparams are the LoRA adapter and training settings.
type Hyperparams struct {
	Rank          int      `json:"r"`
	Alpha         int      `json:"alpha"`
	Dropout       float64  `json:"dropout"`
	TargetModules []string `json:"target_modules"`
	Epochs        int      `json:"num_epochs"`
	BatchSize     int      `json:"batch_size"`
	GradAccum     int      `json:"gradient_accumulation_steps"`
	LearningRate  float64  `json:"learning_rate"`
	MaxSeqLen     int      `json:"max_seq_length"`
	WarmupSteps   int      `json:"warmup_steps"`
	Merge         bool     `json:"merge"`
}

// DefaultHyperparams returns the settings used when a flag is not given.
func DefaultHyperparams() Hyperparams {
	return Hyperparams{
		Rank:          16,
		Alpha:         32,
		Dropout:       0.05,
		TargetModules: []string{"q_proj", "k_proj", "v_proj", "o_proj"},
		Epochs:        3,
		BatchSize:     4,
		GradAccum:     4,
		LearningRate:  2e-4,
		MaxSeqLen:     2048,
		WarmupSteps:   100,
	}
}

// Validate rejects settings the trainer cannot run with.
func (h Hyperparams) Validate() error {
	switch {
	case h.Rank <= 0:
		return errs.Validation("rank", "must be positive, got %d", h.Rank)
	case h.Alpha <= 0:
		return errs.Validation("alpha", "must be positive, got %d", h.Alpha)
	case h.Dropout < 0 || h.Dropout >= 1:
		return errs.Validation("dropout", "must be in [0, 1), got %g", h.Dropout)
	case h.Epochs <= 0:
		return errs.Validation("epochs", "must be positive, got %d", h.Epochs)
	case h.BatchSize <= 0:
		return errs.Validation("batch-size", "must be positive, got %d", h.BatchSize)
	case h.GradAccum <= 0:
		return errs.Validation("grad-accum", "must be positive, got %d", h.GradAccum)
	case !(h.LearningRate > 0 && h.LearningRate < 1):
		return errs.Validation("lr", "must be in (0, 1), got %g", h.LearningRate)
	case h.MaxSeqLen <= 0:
		return errs.Validation("max-seq-len", "must be positive, got %d", h.MaxSeqLen)
	case h.WarmupSteps < 0:
		return errs.Validation("warmup-steps", "must not be negative, got %d", h.WarmupSteps)
	case len(h.TargetModules) == 0:
		return errs.Validation("target-modules", "at least one module is required")
	}
	for _, m := range h.TargetModules {
		if strings.TrimSpace(m) == "" {
			return errs.Validation("target-modules", "empty module name")
		}
	}
	return nil
}

// Flatten returns the settings as a flat scalar map for the ledger.
func (h Hyperparams) Flatten() map[string]any {
	return map[string]any{
		"lora_r":                      h.Rank,
		"lora_alpha":                  h.Alpha,
		"lora_dropout":                h.Dropout,
		"target_modules":              strings.Join(h.TargetModules, ","),
		"num_epochs":                  h.Epochs,
		"batch_size":                  h.BatchSize,
		"gradient_accumulation_steps": h.GradAccum,
		"learning_rate":               h.LearningRate,
		"max_seq_length":              h.MaxSeqLen,
		"warmup_steps":                h.WarmupSteps,
		"merge":                       h.Merge,
	}
}
