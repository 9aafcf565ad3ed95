package types

import "time"

// Wire types of the serving runtime's HTTP API (Ollama compatible).

// RuntimeModel is one entry of GET /api/tags.
type RuntimeModel struct {
	// Registered name, usually with a tag.
	// example: sqlcoder-q4:latest
	Name string `json:"name"`
	// example: sqlcoder-q4:latest
	Model      string    `json:"model,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// TagsResponse wraps the list of models returned by GET /api/tags.
type TagsResponse struct {
	Models []RuntimeModel `json:"models"`
}

// CreateRequest is the payload of POST /api/create.
type CreateRequest struct {
	Model     string `json:"model"`
	Modelfile string `json:"modelfile"`
	Stream    bool   `json:"stream"`
}

// StatusResponse is the final (non-streamed) reply of POST /api/create.
type StatusResponse struct {
	Status string `json:"status"`
}

// GenerateRequest is the payload of POST /api/generate.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// GenerateResponse is the non-streamed reply of POST /api/generate.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// VersionResponse is returned by GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// ErrorResponse is the runtime's JSON error payload.
type ErrorResponse struct {
	// example: invalid model name
	Error string `json:"error"`
}
