// Package cli builds the modelforge command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/config"
	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/internal/logging"
	"modelforge/internal/metrics"
	"modelforge/internal/pipeline"
	"modelforge/internal/recorder"
)

// cliError carries an explicit exit code for failures outside the error
// taxonomy.
type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }
func (e cliError) Unwrap() error { return e.err }

// ExitCode maps an error returned by the command tree to a process exit code.
func ExitCode(err error) int {
	var ce cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return errs.ExitCode(err)
}

// newToolchain builds the external tool runner; tests replace it.
var newToolchain = func(cfg config.Config, log zerolog.Logger) pipeline.Toolchain {
	return &pipeline.ExecToolchain{
		Python:        cfg.Toolchain.Python,
		ConvertScript: cfg.Toolchain.ConvertScript,
		QuantizeBin:   cfg.Toolchain.QuantizeBin,
		TrainScript:   cfg.Toolchain.TrainScript,
		Env: map[string]string{
			"DEVELOPER_NAME": cfg.Operator.Name,
			"ORGANIZATION":   cfg.Operator.Organization,
			"ROLE":           cfg.Operator.Role,
		},
		Log: log,
	}
}

// app is the state shared by all commands of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath      string
	storeDir        string
	runtimeURL      string
	logLevel        string
	logFormat       string
	metricsTextfile string

	cfg config.Config
	log zerolog.Logger
}

// Execute runs the command tree with args and returns the exit code.
func Execute(args []string, out, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut, log: zerolog.Nop()}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(context.Background())
	if merr := metrics.WriteTextfile(a.cfg.MetricsTextfile); merr != nil {
		a.log.Warn().Err(merr).Str("path", a.cfg.MetricsTextfile).Msg("write metrics textfile")
	}
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return ExitCode(err)
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "modelforge",
		Short:         "Quantize and fine-tune model artifacts, audit their ledgers and bootstrap the serving runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (.yaml, .json, .toml); defaults to MODELFORGE_CONFIG")
	pf.StringVar(&a.storeDir, "store", "", "Artifact store directory (default "+config.DefaultStoreDir+")")
	pf.StringVar(&a.runtimeURL, "runtime-url", "", "Serving runtime base URL (default "+config.DefaultRuntimeURL+")")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error|off")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: auto|console|json")
	pf.StringVar(&a.metricsTextfile, "metrics-textfile", "", "Write prometheus metrics to this file on exit")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errs.Validation("flags", "%v", err)
	})

	root.AddCommand(
		a.quantizeCmd(),
		a.finetuneCmd(),
		a.ledgerCmd(),
		a.modelsCmd(),
		a.resolveCmd(),
		a.bootstrapCmd(),
		a.doctorCmd(),
	)
	return root
}

// setup resolves the configuration: defaults < file < environment < flags.
func (a *app) setup(cmd *cobra.Command) error {
	var cfg config.Config
	path := a.configPath
	if path == "" {
		path = os.Getenv("MODELFORGE_CONFIG")
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return errs.Validation(path, "%v", err)
		}
		cfg = loaded
	}
	config.ApplyEnv(&cfg, os.Getenv)

	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("store", &cfg.StoreDir, a.storeDir)
	set("runtime-url", &cfg.RuntimeURL, a.runtimeURL)
	set("log-level", &cfg.LogLevel, a.logLevel)
	set("log-format", &cfg.LogFormat, a.logFormat)
	set("metrics-textfile", &cfg.MetricsTextfile, a.metricsTextfile)
	cfg = cfg.WithDefaults()

	store, err := fsutil.ExpandHome(cfg.StoreDir)
	if err != nil {
		return err
	}
	cfg.StoreDir = store
	a.cfg = cfg
	a.log = logging.New(a.errOut, cfg.LogLevel, cfg.LogFormat).With().Str("cmd", cmd.Name()).Logger()
	return nil
}

func (a *app) operator() ledger.Operator {
	return ledger.Operator{
		Name:         a.cfg.Operator.Name,
		Organization: a.cfg.Operator.Organization,
		Role:         a.cfg.Operator.Role,
	}
}

func (a *app) recorder() *recorder.Recorder {
	w := ledger.NewWriter(a.log)
	w.LockStale = a.cfg.LockStale()
	w.LockWait = a.cfg.LockWait()
	return recorder.New(w, recorder.DetectHost(a.operator()), a.log)
}
