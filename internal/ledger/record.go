// Package ledger implements the per-artifact, append-only transformation
// ledger. A ledger is a JSONL document stored next to the artifact's weights:
// the first line is a Header, every following line is one Record.
//
// Writers serialize on an advisory lock file in the artifact directory and
// publish each append by atomically replacing the document with its previous
// bytes plus one new line, so the existing prefix never changes and readers
// never observe a partial record.
package ledger

import (
	"time"

	"modelforge/pkg/types"
)

const (
	// FileName is the fixed name of the ledger document in an artifact directory.
	FileName = "ledger.jsonl"
	// LockName is the advisory lock guarding FileName.
	LockName = "ledger.lock"

	SchemaVersion = 1

	typeHeader = "header"
	typeRecord = "record"
)

// Header is the first line of every ledger document.
type Header struct {
	Type          string    `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	ModelID       string    `json:"model_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Operator is the person or service account behind a transformation.
type Operator struct {
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Host describes the machine a transformation ran on.
type Host struct {
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	CPUs      int      `json:"cpus"`
	GoVersion string   `json:"go_version,omitempty"`
	Operator  Operator `json:"operator"`
}

// Record is one immutable transformation entry.
type Record struct {
	Type      string              `json:"type"`
	ID        string              `json:"id"`
	Seq       int                 `json:"seq"`
	Operation types.OperationKind `json:"operation"`
	Timestamp time.Time           `json:"timestamp"`
	Config    map[string]any      `json:"config"`
	Metrics   map[string]float64  `json:"metrics"`
	Host      Host                `json:"host"`
}

// Document is a parsed ledger.
type Document struct {
	Header  Header
	Records []Record
}

// Last returns the most recent record, if any.
func (d Document) Last() (Record, bool) {
	if len(d.Records) == 0 {
		return Record{}, false
	}
	return d.Records[len(d.Records)-1], true
}

// Kind derives the artifact kind from the most recent transformation.
func (d Document) Kind() types.ArtifactKind {
	last, ok := d.Last()
	if !ok {
		return types.KindOriginal
	}
	return last.Operation.ResultKind()
}
