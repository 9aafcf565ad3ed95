package ledger

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"modelforge/internal/common/fsutil"
)

// Render writes a human-readable view of d to w.
func Render(w io.Writer, d Document) error {
	ew := &errWriter{w: w}
	ew.printf("Ledger: %s (schema v%d, created %s)\n", d.Header.ModelID, d.Header.SchemaVersion, d.Header.CreatedAt.Format(time.RFC3339))
	ew.printf("Records: %d, kind: %s\n", len(d.Records), d.Kind())
	for _, r := range d.Records {
		ew.printf("\n#%d %s  %s  (%s)\n", r.Seq, r.Operation, r.Timestamp.Format(time.RFC3339), r.ID)
		ew.printf("  host:     %s %s/%s, %d CPUs\n", r.Host.Hostname, r.Host.OS, r.Host.Arch, r.Host.CPUs)
		if op := r.Host.Operator; op.Name != "" {
			ew.printf("  operator: %s (%s, %s)\n", op.Name, op.Organization, op.Role)
		}
		if len(r.Config) > 0 {
			ew.printf("  config:\n")
			tw := tabwriter.NewWriter(ew, 0, 0, 2, ' ', 0)
			for _, k := range sortedKeys(r.Config) {
				fmt.Fprintf(tw, "    %s\t= %v\n", k, r.Config[k])
			}
			_ = tw.Flush()
		}
		if len(r.Metrics) > 0 {
			ew.printf("  metrics:\n")
			tw := tabwriter.NewWriter(ew, 0, 0, 2, ' ', 0)
			for _, k := range sortedKeys(r.Metrics) {
				fmt.Fprintf(tw, "    %s\t= %s\n", k, formatMetric(k, r.Metrics[k]))
			}
			_ = tw.Flush()
		}
	}
	return ew.err
}

func formatMetric(name string, v float64) string {
	switch {
	case strings.HasSuffix(name, "_bytes"):
		return fmt.Sprintf("%s (%s)", strconv.FormatFloat(v, 'f', 0, 64), fsutil.HumanBytes(int64(v)))
	case strings.HasSuffix(name, "_ratio"):
		return fmt.Sprintf("%.4f (%.1f%%)", v, v*100)
	default:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

func (e *errWriter) printf(format string, args ...any) {
	fmt.Fprintf(e, format, args...)
}
