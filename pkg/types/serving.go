package types

// ServingConfigEntry is one model in the serving configuration document.
type ServingConfigEntry struct {
	// Artifact directory name.
	// example: sqlcoder-q4
	ID string `json:"id"`
	// Whether the model is registered at bootstrap.
	// example: true
	Enabled bool `json:"enabled"`
	// Free text shown in listings.
	// example: SQL assistant, 4-bit
	Description string `json:"description,omitempty"`
	// Optional quantization tag, informational.
	// example: Q4_K_M
	Quantization string `json:"quantization,omitempty"`
}

// ServingConfig is the declarative document read once at bootstrap.
type ServingConfig struct {
	Models []ServingConfigEntry `json:"models"`
}

// ResolvedEntry is an enabled entry whose artifact exists in the store.
type ResolvedEntry struct {
	ModelID      string `json:"model_id"`
	ArtifactPath string `json:"artifact_path"`
	Description  string `json:"description,omitempty"`
	Quantization string `json:"quantization,omitempty"`
}
