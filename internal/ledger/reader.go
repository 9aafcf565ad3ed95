package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"modelforge/internal/errs"
)

const maxLineBytes = 4 << 20

// Read loads the ledger of the artifact directory dir.
func Read(dir string) (Document, error) {
	return ReadFile(filepath.Join(dir, FileName))
}

// ReadFile loads and parses a ledger document.
func ReadFile(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Document{}, errs.NotFound(path, "no ledger")
		}
		return Document{}, errs.IO(path, err)
	}
	doc, err := Parse(b)
	if err != nil {
		return Document{}, errs.Validation(path, "%v", err)
	}
	return doc, nil
}

// Parse decodes a ledger document. Every line, including the last, must be
// newline terminated.
func Parse(b []byte) (Document, error) {
	var doc Document
	if len(b) == 0 {
		return doc, errors.New("empty ledger")
	}
	if b[len(b)-1] != '\n' {
		return doc, errors.New("ledger does not end with a newline")
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			return doc, fmt.Errorf("line %d: blank line", lineNo)
		}
		var peek struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &peek); err != nil {
			return doc, fmt.Errorf("line %d: %w", lineNo, err)
		}
		switch {
		case lineNo == 1 && peek.Type == typeHeader:
			if err := json.Unmarshal(line, &doc.Header); err != nil {
				return doc, fmt.Errorf("line %d: header: %w", lineNo, err)
			}
		case lineNo == 1:
			return doc, fmt.Errorf("line 1: expected header, got %q", peek.Type)
		case peek.Type == typeRecord:
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return doc, fmt.Errorf("line %d: record: %w", lineNo, err)
			}
			doc.Records = append(doc.Records, rec)
		default:
			return doc, fmt.Errorf("line %d: unexpected entry type %q", lineNo, peek.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return doc, err
	}
	return doc, nil
}

// Verify checks the ledger invariants: a supported header, gap-free sequence
// numbers, unique ids, known operations and non-decreasing timestamps.
func (d Document) Verify() error {
	if d.Header.Type != typeHeader {
		return errs.Validation(d.Header.ModelID, "missing ledger header")
	}
	if d.Header.SchemaVersion != SchemaVersion {
		return errs.Validation(d.Header.ModelID, "unsupported schema version %d", d.Header.SchemaVersion)
	}
	seen := make(map[string]struct{}, len(d.Records))
	for i, r := range d.Records {
		if r.Seq != i+1 {
			return errs.Validation(d.Header.ModelID, "record %d has seq %d", i+1, r.Seq)
		}
		if !r.Operation.Valid() {
			return errs.Validation(d.Header.ModelID, "record %d has unknown operation %q", r.Seq, r.Operation)
		}
		if r.ID == "" {
			return errs.Validation(d.Header.ModelID, "record %d has no id", r.Seq)
		}
		if _, dup := seen[r.ID]; dup {
			return errs.Validation(d.Header.ModelID, "duplicate record id %s", r.ID)
		}
		seen[r.ID] = struct{}{}
		if i > 0 && r.Timestamp.Before(d.Records[i-1].Timestamp) {
			return errs.Validation(d.Header.ModelID, "record %d is older than record %d", r.Seq, r.Seq-1)
		}
	}
	return nil
}
