package registry

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
)

// SpecFileName is the runtime spec file inside an artifact directory.
const SpecFileName = "Modelfile"

// SpecFrom returns a minimal runtime spec that loads weights from a file or
// directory relative to the artifact.
func SpecFrom(rel string) string {
	return "FROM ./" + strings.TrimPrefix(rel, "./") + "\n"
}

// WriteSpec atomically replaces the runtime spec of dir.
func WriteSpec(dir, content string) error {
	p := filepath.Join(dir, SpecFileName)
	if err := fsutil.WriteFileAtomic(p, []byte(content), 0o644); err != nil {
		return errs.IO(p, err)
	}
	return nil
}

// EnsureSpec returns the runtime spec of dir, generating one from the first
// .gguf file (by name) when none exists. created reports whether a spec was
// written.
func EnsureSpec(dir string) (content string, created bool, err error) {
	p := filepath.Join(dir, SpecFileName)
	b, err := os.ReadFile(p)
	if err == nil {
		return string(b), false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, errs.IO(p, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, errs.NotFound(dir, "artifact directory does not exist")
		}
		return "", false, errs.IO(dir, err)
	}
	var ggufs []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			ggufs = append(ggufs, e.Name())
		}
	}
	if len(ggufs) == 0 {
		return "", false, errs.NotFound(filepath.Base(dir), "no %s and no .gguf weights to generate one from", SpecFileName)
	}
	sort.Strings(ggufs)
	content = SpecFrom(ggufs[0])
	if err := WriteSpec(dir, content); err != nil {
		return "", false, err
	}
	return content, true, nil
}

// AbsolutizeSpec rewrites relative FROM and ADAPTER paths in spec so they
// resolve against dir. Model references (FROM llama3) are left untouched.
func AbsolutizeSpec(dir, spec string) string {
	lines := strings.Split(spec, "\n")
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kw := strings.ToUpper(fields[0])
		if kw != "FROM" && kw != "ADAPTER" {
			continue
		}
		arg := fields[1]
		if arg != "." && !strings.HasPrefix(arg, "./") && !strings.HasPrefix(arg, "../") {
			continue
		}
		// Only the path changes; comments and extra tokens stay as written.
		at := strings.Index(line, fields[0]) + len(fields[0])
		at += strings.Index(line[at:], arg)
		lines[i] = line[:at] + filepath.Join(dir, arg) + line[at+len(arg):]
	}
	return strings.Join(lines, "\n")
}
