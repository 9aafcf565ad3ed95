package recorder

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/pkg/types"
)

func newRecorder() *Recorder {
	return New(ledger.NewWriter(zerolog.Nop()), DetectHost(ledger.Operator{Name: "ci"}), zerolog.Nop())
}

func TestRecordQuantizeDerivesRatio(t *testing.T) {
	dir := t.TempDir()
	rec, err := newRecorder().Record(context.Background(), dir, types.OpQuantize,
		map[string]any{"method": "Q4_K_M", "force": false},
		map[string]float64{MetricOriginalBytes: 1000, MetricQuantizedBytes: 250})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Seq)
	assert.InDelta(t, 0.75, rec.Metrics[MetricReductionRatio], 1e-12)
	assert.Equal(t, "ci", rec.Host.Operator.Name)

	doc, err := ledger.Read(dir)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	assert.Equal(t, types.KindQuantized, doc.Kind())
}

func TestRecordRejectsInconsistentRatio(t *testing.T) {
	_, err := newRecorder().Record(context.Background(), t.TempDir(), types.OpQuantize, nil,
		map[string]float64{MetricOriginalBytes: 1000, MetricQuantizedBytes: 250, MetricReductionRatio: 0.5})
	assert.True(t, errs.IsValidation(err), "got %v", err)
}

func TestRecordValidation(t *testing.T) {
	dir := t.TempDir()
	r := newRecorder()
	ctx := context.Background()

	cases := []struct {
		name    string
		op      types.OperationKind
		cfg     map[string]any
		metrics map[string]float64
	}{
		{"unknown op", "prune", nil, map[string]float64{}},
		{"nested config", types.OpFinetune, map[string]any{"lora": map[string]int{"r": 16}}, map[string]float64{MetricFinalLoss: 1, MetricEpochs: 3}},
		{"missing original", types.OpQuantize, nil, map[string]float64{MetricQuantizedBytes: 10}},
		{"zero original", types.OpQuantize, nil, map[string]float64{MetricOriginalBytes: 0, MetricQuantizedBytes: 0}},
		{"missing loss", types.OpFinetune, nil, map[string]float64{MetricEpochs: 3}},
		{"nan loss", types.OpFinetune, nil, map[string]float64{MetricFinalLoss: math.NaN(), MetricEpochs: 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := r.Record(ctx, dir, c.op, c.cfg, c.metrics)
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}
	_, err := ledger.Read(dir)
	assert.True(t, errs.IsNotFound(err), "rejected records must not create a ledger")
}

func TestRecordMissingArtifact(t *testing.T) {
	_, err := newRecorder().Record(context.Background(), filepath.Join(t.TempDir(), "gone"), types.OpFinetune, nil,
		map[string]float64{MetricFinalLoss: 0.3, MetricEpochs: 3})
	assert.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestConcurrentRecordsOnDistinctArtifacts(t *testing.T) {
	root := t.TempDir()
	r := newRecorder()
	ids := []string{"a-q4_0", "b-q4_0", "c-q8_0", "d-q5_0"}
	var wg sync.WaitGroup
	errc := make(chan error, len(ids))
	for _, id := range ids {
		dir := filepath.Join(root, id)
		require.NoError(t, mkdir(dir))
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			_, err := r.Record(context.Background(), dir, types.OpQuantize, map[string]any{"method": "Q4_0"},
				map[string]float64{MetricOriginalBytes: 100, MetricQuantizedBytes: 30})
			errc <- err
		}(dir)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}
	for _, id := range ids {
		doc, err := ledger.Read(filepath.Join(root, id))
		require.NoError(t, err)
		assert.Len(t, doc.Records, 1, id)
	}
}

func TestDetectHost(t *testing.T) {
	h := DetectHost(ledger.Operator{Name: "n", Organization: "o", Role: "r"})
	assert.NotEmpty(t, h.Hostname)
	assert.Positive(t, h.CPUs)
	assert.Equal(t, "o", h.Operator.Organization)
}
