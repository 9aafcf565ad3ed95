package types

import "time"

// ArtifactKind classifies how an artifact came to be.
type ArtifactKind string

const (
	KindOriginal  ArtifactKind = "original"
	KindQuantized ArtifactKind = "quantized"
	KindFineTuned ArtifactKind = "fine-tuned"
)

// OperationKind is the transformation recorded in a ledger.
type OperationKind string

const (
	OpQuantize OperationKind = "quantize"
	OpFinetune OperationKind = "finetune"
)

// Valid reports whether k is a known operation.
func (k OperationKind) Valid() bool { return k == OpQuantize || k == OpFinetune }

// ResultKind is the artifact kind an operation produces.
func (k OperationKind) ResultKind() ArtifactKind {
	switch k {
	case OpQuantize:
		return KindQuantized
	case OpFinetune:
		return KindFineTuned
	default:
		return KindOriginal
	}
}

// ModelArtifact is a model directory in the artifact store.
type ModelArtifact struct {
	// Directory name, unique within the store.
	// example: qwen2.5-coder-1.5b-instruct-q4_k_m
	ID string `json:"id"`
	// Absolute path to the artifact directory.
	// example: /home/user/models/artifacts/qwen2.5-coder-1.5b-instruct-q4_k_m
	Path string `json:"path"`
	// How the artifact was produced, derived from its ledger.
	// example: quantized
	Kind ArtifactKind `json:"kind"`
	// Sum of the weight file sizes in bytes.
	// example: 1117320736
	SizeBytes int64 `json:"size_bytes"`
	// Creation time of the directory (or of its ledger when present).
	CreatedAt time.Time `json:"created_at"`
	// Number of ledger records.
	// example: 1
	Transformations int `json:"transformations"`
}
