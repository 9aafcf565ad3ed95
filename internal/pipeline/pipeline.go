package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/internal/metrics"
	"modelforge/internal/registry"
	"modelforge/pkg/types"
)

// LicenseFileName is copied from the source model into every output.
const LicenseFileName = "LICENSE"

// Recorder appends a transformation record to an artifact's ledger.
type Recorder interface {
	Record(ctx context.Context, artifactPath string, op types.OperationKind, config map[string]any, metrics map[string]float64) (ledger.Record, error)
}

// Result describes a completed pipeline run.
type Result struct {
	ModelID   string
	OutputDir string
	Record    ledger.Record
}

// checkOutput fails with Conflict when dir already holds an artifact and
// force is not set.
func checkOutput(dir string, force bool) error {
	has, err := registry.HasArtifact(dir)
	if err != nil {
		return errs.IO(dir, err)
	}
	if has && !force {
		return errs.Conflict(dir, "output already contains an artifact (use --force to overwrite)")
	}
	return nil
}

// copyLicense copies LICENSE from src to dst. A missing license is not an
// error; it is reported with a warning and a missing_license report in
// crashDir.
func copyLicense(src, dst, crashDir string, now time.Time, log zerolog.Logger) error {
	from := filepath.Join(src, LicenseFileName)
	if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
		ev := log.Warn().Str("source", src)
		if crashDir != "" {
			if path, werr := WriteMissingLicenseReport(crashDir, src, dst, now); werr != nil {
				ev = ev.AnErr("report_error", werr)
			} else {
				ev = ev.Str("report", path)
			}
		}
		ev.Msg("source model has no LICENSE; output is published without one")
		return nil
	}
	if err := fsutil.CopyFile(from, filepath.Join(dst, LicenseFileName)); err != nil {
		return errs.IO(from, err)
	}
	log.Debug().Str("path", dst).Msg("copied LICENSE")
	return nil
}

// WriteMissingLicenseReport records that source had no LICENSE when output
// was produced. The file is named missing_license_<timestamp>.log.
func WriteMissingLicenseReport(dir, source, output string, now time.Time) (string, error) {
	var b strings.Builder
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(&b, "%s\nMISSING LICENSE WARNING\n%s\n\n", rule, rule)
	fmt.Fprintf(&b, "Timestamp: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Source Model: %s\nOutput Directory: %s\n\n", source, output)
	b.WriteString("WARNING: No LICENSE file found in source model.\n")
	b.WriteString("Verify the licensing terms before distributing the output.\n")
	return fsutil.WriteReport(dir, "missing_license_"+now.Format(fsutil.ReportTimeLayout)+".log", b.String())
}

// finish records the run outcome in metrics and, for failures that are not
// caused by bad input, writes a crash report.
func finish(pipeline, crashDir string, details map[string]string, err error, log zerolog.Logger) {
	if err == nil {
		metrics.PipelineRunsTotal.WithLabelValues(pipeline, "ok").Inc()
		return
	}
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	metrics.PipelineRunsTotal.WithLabelValues(pipeline, kind).Inc()
	if crashDir == "" || errs.IsValidation(err) || errs.IsConflict(err) || errs.IsNotFound(err) {
		return
	}
	path, werr := WriteCrashReport(crashDir, pipeline, details, err, time.Now())
	if werr != nil {
		log.Warn().Err(werr).Msg("could not write crash report")
		return
	}
	log.Error().Str("report", path).Msg("crash report saved")
}

// WriteCrashReport writes a plain-text failure report to dir and returns its
// path. The file is named crash_report_<pipeline>_<timestamp>.log.
func WriteCrashReport(dir, pipeline string, details map[string]string, cause error, now time.Time) (string, error) {
	var b strings.Builder
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(&b, "%s\n%s PIPELINE CRASH REPORT\n%s\n\n", rule, strings.ToUpper(pipeline), rule)
	fmt.Fprintf(&b, "Timestamp: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go: %s\nPlatform: %s/%s\n\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if len(details) > 0 {
		b.WriteString("Configuration:\n")
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, details[k])
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Error kind: %s\nError:\n%v\n\n%s\n", errs.KindOf(cause), cause, rule)
	return fsutil.WriteReport(dir, fmt.Sprintf("crash_report_%s_%s.log", pipeline, now.Format(fsutil.ReportTimeLayout)), b.String())
}

