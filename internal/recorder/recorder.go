// Package recorder validates the outcome of a transformation and appends it
// to the artifact's ledger.
package recorder

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"

	"github.com/rs/zerolog"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/pkg/types"
)

// Metric names with fixed meaning.
const (
	MetricOriginalBytes  = "original_bytes"
	MetricQuantizedBytes = "quantized_bytes"
	MetricReductionRatio = "reduction_ratio"
	MetricFinalLoss      = "final_loss"
	MetricEpochs         = "epochs"

	ratioTolerance = 1e-9
)

// Appender persists a record in the ledger of an artifact directory.
type Appender interface {
	Append(ctx context.Context, dir string, rec ledger.Record) (ledger.Record, error)
}

// Recorder validates transformation results and appends them to ledgers.
type Recorder struct {
	ledger Appender
	host   ledger.Host
	log    zerolog.Logger
}

// New returns a Recorder that stamps every record with host.
func New(w Appender, host ledger.Host, log zerolog.Logger) *Recorder {
	return &Recorder{ledger: w, host: host, log: log}
}

// Record appends one transformation record to the ledger of artifactPath and
// returns it as stored.
func (r *Recorder) Record(ctx context.Context, artifactPath string, op types.OperationKind, config map[string]any, metrics map[string]float64) (ledger.Record, error) {
	if !fsutil.IsDir(artifactPath) {
		return ledger.Record{}, errs.NotFound(artifactPath, "artifact directory does not exist")
	}
	if !op.Valid() {
		return ledger.Record{}, errs.Validation(string(op), "operation must be %q or %q", types.OpQuantize, types.OpFinetune)
	}
	cfg, err := scalarConfig(config)
	if err != nil {
		return ledger.Record{}, err
	}
	m, err := checkMetrics(op, metrics)
	if err != nil {
		return ledger.Record{}, err
	}

	rec, err := r.ledger.Append(ctx, artifactPath, ledger.Record{
		Operation: op,
		Config:    cfg,
		Metrics:   m,
		Host:      r.host,
	})
	if err != nil {
		return ledger.Record{}, fmt.Errorf("record %s: %w", op, err)
	}
	r.log.Info().Str("path", artifactPath).Str("op", string(op)).Int("seq", rec.Seq).Msg("transformation recorded")
	return rec, nil
}

func scalarConfig(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for _, k := range sortedKeys(in) {
		v := in[k]
		if k == "" {
			return nil, errs.Validation("config", "empty parameter name")
		}
		switch x := v.(type) {
		case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		case float32:
			if !finite(float64(x)) {
				return nil, errs.Validation("config", "parameter %s is not finite", k)
			}
		case float64:
			if !finite(x) {
				return nil, errs.Validation("config", "parameter %s is not finite", k)
			}
		default:
			return nil, errs.Validation("config", "parameter %s has non-scalar value of type %T", k, v)
		}
		out[k] = v
	}
	return out, nil
}

func checkMetrics(op types.OperationKind, in map[string]float64) (map[string]float64, error) {
	m := make(map[string]float64, len(in)+1)
	for k, v := range in {
		if k == "" {
			return nil, errs.Validation("metrics", "empty metric name")
		}
		if !finite(v) {
			return nil, errs.Validation("metrics", "metric %s is not finite", k)
		}
		m[k] = v
	}
	switch op {
	case types.OpQuantize:
		orig, ok := m[MetricOriginalBytes]
		if !ok || orig <= 0 {
			return nil, errs.Validation("metrics", "%s must be present and positive", MetricOriginalBytes)
		}
		q, ok := m[MetricQuantizedBytes]
		if !ok || q < 0 {
			return nil, errs.Validation("metrics", "%s must be present and non-negative", MetricQuantizedBytes)
		}
		want := 1 - q/orig
		if got, ok := m[MetricReductionRatio]; ok {
			if math.Abs(got-want) > ratioTolerance {
				return nil, errs.Validation("metrics", "%s %.6f does not match sizes (%.6f)", MetricReductionRatio, got, want)
			}
		} else {
			m[MetricReductionRatio] = want
		}
	case types.OpFinetune:
		for _, k := range []string{MetricFinalLoss, MetricEpochs} {
			if _, ok := in[k]; !ok {
				return nil, errs.Validation("metrics", "%s is required for %s", k, op)
			}
		}
	}
	return m, nil
}

// DetectHost describes the current machine.
func DetectHost(op ledger.Operator) ledger.Host {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown"
	}
	return ledger.Host{
		Hostname:  name,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
		Operator:  op,
	}
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
