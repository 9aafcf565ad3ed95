package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelforge/internal/errs"
)

// example is one line of an instruction-tuning dataset.
type example struct {
	Instruction *string `json:"instruction"`
	Input       *string `json:"input"`
	Output      *string `json:"output"`
}

// ValidateTrainingData checks every *.jsonl file under path (or path itself
// when it is a file) and returns the files and the number of examples. Each
// non-blank line must be an object with non-empty "instruction" and "output"
// strings; "input" is optional.
func ValidateTrainingData(path string) ([]string, int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, 0, errs.NotFound(path, "training data not found")
	}
	var files []string
	if fi.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.jsonl"))
		if err != nil {
			return nil, 0, errs.Validation(path, "%v", err)
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}
	if len(files) == 0 {
		return nil, 0, errs.Validation(path, "no .jsonl training files")
	}

	total := 0
	for _, f := range files {
		n, err := validateFile(f)
		if err != nil {
			return nil, 0, err
		}
		total += n
	}
	if total == 0 {
		return nil, 0, errs.Validation(path, "training data contains no examples")
	}
	return files, total, nil
}

func validateFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errs.IO(path, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	n, lineNo := 0, 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ex example
		if err := json.Unmarshal(line, &ex); err != nil {
			return 0, errs.Validation(filepath.Base(path), "line %d: %v", lineNo, err)
		}
		if ex.Instruction == nil || strings.TrimSpace(*ex.Instruction) == "" {
			return 0, errs.Validation(filepath.Base(path), "line %d: missing instruction", lineNo)
		}
		if ex.Output == nil || strings.TrimSpace(*ex.Output) == "" {
			return 0, errs.Validation(filepath.Base(path), "line %d: missing output", lineNo)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, errs.Validation(filepath.Base(path), "%v", err)
	}
	return n, nil
}
