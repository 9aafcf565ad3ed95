package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/ledger"
	"modelforge/internal/registry"
)

// minFreeBytes is the free space below which doctor warns.
const minFreeBytes = 10 << 30

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusWarn checkStatus = "WARN"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	name     string
	status   checkStatus
	detail   string
	critical bool
}

// diskFree is replaced in tests.
var diskFree = freeSpace

func (a *app) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the store, ledgers, toolchain, runtime and disk space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results := a.runChecks(cmd.Context())
			var buf bytes.Buffer
			tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAIL")
			passed, warned, failed := 0, 0, 0
			var critical []string
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.name, r.status, r.detail)
				switch r.status {
				case statusPass:
					passed++
				case statusWarn:
					warned++
				case statusFail:
					failed++
					if r.critical {
						critical = append(critical, r.name)
					}
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(&buf, "\nTotal: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if len(critical) == 0 {
				fmt.Fprintln(&buf, "System ready.")
			}
			if _, err := a.out.Write(buf.Bytes()); err != nil {
				return err
			}
			a.saveDoctorReport(buf.String(), time.Now())
			if len(critical) > 0 {
				return cliError{code: 1, err: fmt.Errorf("critical checks failed: %v", critical)}
			}
			return nil
		},
	}
}

// saveDoctorReport keeps a timestamped copy of the check results in the
// crash report directory.
func (a *app) saveDoctorReport(summary string, now time.Time) {
	if a.cfg.CrashDir == "" {
		return
	}
	header := fmt.Sprintf("modelforge doctor\nTimestamp: %s\nStore: %s\nRuntime: %s\n\n",
		now.Format(time.RFC3339), a.cfg.StoreDir, a.cfg.RuntimeBaseURL())
	path, err := fsutil.WriteReport(a.cfg.CrashDir, "doctor_"+now.Format(fsutil.ReportTimeLayout)+".log", header+summary)
	if err != nil {
		a.log.Warn().Err(err).Str("dir", a.cfg.CrashDir).Msg("could not save doctor report")
		return
	}
	fmt.Fprintf(a.out, "Report: %s\n", path)
}

func (a *app) runChecks(ctx context.Context) []checkResult {
	var out []checkResult

	store, err := a.openStore()
	if err != nil {
		out = append(out, checkResult{name: "store", status: statusFail, detail: err.Error(), critical: true})
	} else {
		out = append(out, checkResult{name: "store", status: statusPass, detail: store.Root()})
		out = append(out, checkLedgers(store))
	}

	out = append(out, a.checkTool("python", a.cfg.Toolchain.Python))
	out = append(out, a.checkTool("quantizer", a.cfg.Toolchain.QuantizeBin))

	if v, err := a.checkRuntime(ctx); err != nil {
		out = append(out, checkResult{name: "runtime", status: statusWarn, detail: fmt.Sprintf("%s unreachable (may not be started yet): %v", a.cfg.RuntimeBaseURL(), err)})
	} else {
		out = append(out, checkResult{name: "runtime", status: statusPass, detail: fmt.Sprintf("%s version %s", a.cfg.RuntimeBaseURL(), v)})
	}

	out = append(out, a.checkDisk())
	return out
}

func checkLedgers(store *registry.Store) checkResult {
	arts, err := store.List()
	if err != nil {
		return checkResult{name: "ledgers", status: statusFail, detail: err.Error()}
	}
	checked := 0
	for _, art := range arts {
		doc, err := ledger.Read(art.Path)
		if err != nil {
			continue
		}
		if err := doc.Verify(); err != nil {
			return checkResult{name: "ledgers", status: statusFail, detail: fmt.Sprintf("%s: %v", art.ID, err)}
		}
		checked++
	}
	return checkResult{name: "ledgers", status: statusPass, detail: fmt.Sprintf("%d artifacts, %d ledgers verified", len(arts), checked)}
}

func (a *app) checkTool(name, bin string) checkResult {
	p, err := exec.LookPath(bin)
	if err != nil {
		return checkResult{name: name, status: statusWarn, detail: fmt.Sprintf("%s not found in PATH", bin)}
	}
	return checkResult{name: name, status: statusPass, detail: p}
}

func (a *app) checkDisk() checkResult {
	dir := a.cfg.StoreDir
	for !fsutil.PathExists(dir) && filepath.Dir(dir) != dir {
		dir = filepath.Dir(dir)
	}
	free, total, err := diskFree(dir)
	if errors.Is(err, errDiskUnsupported) {
		return checkResult{name: "disk", status: statusWarn, detail: "free space check not supported on this platform"}
	}
	if err != nil {
		return checkResult{name: "disk", status: statusWarn, detail: err.Error()}
	}
	detail := fmt.Sprintf("%s free of %s at %s", fsutil.HumanBytes(int64(free)), fsutil.HumanBytes(int64(total)), dir)
	if free < minFreeBytes {
		return checkResult{name: "disk", status: statusWarn, detail: detail + " (less than 10 GiB)"}
	}
	return checkResult{name: "disk", status: statusPass, detail: detail}
}
