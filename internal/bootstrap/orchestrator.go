// Package bootstrap registers resolved serving entries with the runtime.
// Entries are processed strictly in order, one at a time; a failing entry
// is reported and does not stop the others.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"modelforge/internal/errs"
	"modelforge/internal/metrics"
	"modelforge/internal/registry"
	"modelforge/pkg/types"
)

// DefaultEntryTimeout bounds the registration of one entry.
const DefaultEntryTimeout = 60 * time.Second

// RuntimeClient is the part of the runtime API the orchestrator drives.
type RuntimeClient interface {
	HasModel(ctx context.Context, name string) (bool, error)
	CreateModel(ctx context.Context, name, modelfile string) error
}

// Status is the per-entry outcome.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Action is what the orchestrator did for an entry.
type Action string

const (
	ActionCreated  Action = "created"
	ActionExisting Action = "existing"
	ActionNone     Action = "none"
)

// EntryResult is the outcome of one entry.
type EntryResult struct {
	ModelID  string
	Status   Status
	Action   Action
	Err      error
	Duration time.Duration
}

// Report collects the results of a run in entry order.
type Report struct {
	Results []EntryResult
}

// Failed returns the entries that failed.
func (r Report) Failed() []EntryResult {
	var out []EntryResult
	for _, e := range r.Results {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out
}

// Err joins the errors of failed entries, or returns nil.
func (r Report) Err() error {
	var list []error
	for _, e := range r.Failed() {
		list = append(list, fmt.Errorf("%s: %w", e.ModelID, e.Err))
	}
	return errors.Join(list...)
}

// Orchestrator registers resolved serving entries with the runtime, one at a time.
type Orchestrator struct {
	client  RuntimeClient
	timeout time.Duration
	log     zerolog.Logger
}

// New returns an orchestrator; a non-positive timeout selects DefaultEntryTimeout.
func New(client RuntimeClient, timeout time.Duration, log zerolog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultEntryTimeout
	}
	return &Orchestrator{client: client, timeout: timeout, log: log}
}

// Run registers every entry that is not registered yet. Running it again
// over the same entries registers nothing new and yields the same statuses.
func (o *Orchestrator) Run(ctx context.Context, entries []types.ResolvedEntry) Report {
	rep := Report{Results: make([]EntryResult, 0, len(entries))}
	for _, e := range entries {
		res := o.register(ctx, e)
		rep.Results = append(rep.Results, res)

		ev := o.log.Info()
		if res.Err != nil {
			ev = o.log.Error().Err(res.Err)
		}
		ev.Str("model_id", e.ModelID).Str("status", string(res.Status)).Str("action", string(res.Action)).
			Dur("duration", res.Duration).Msg("bootstrap entry")
	}
	return rep
}

func (o *Orchestrator) register(parent context.Context, e types.ResolvedEntry) (res EntryResult) {
	start := time.Now()
	res = EntryResult{ModelID: e.ModelID, Status: StatusOK, Action: ActionNone}
	defer func() {
		res.Duration = time.Since(start)
		metrics.RegistrationDuration.Observe(res.Duration.Seconds())
		outcome := string(res.Action)
		switch {
		case errs.IsTimeout(res.Err):
			outcome = "timeout"
		case res.Err != nil:
			outcome = "failed"
		}
		metrics.RegistrationsTotal.WithLabelValues(outcome).Inc()
	}()
	fail := func(err error) EntryResult {
		res.Status, res.Err = StatusFailed, classify(e.ModelID, err)
		return res
	}

	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	spec, created, err := registry.EnsureSpec(e.ArtifactPath)
	if err != nil {
		return fail(err)
	}
	if created {
		o.log.Info().Str("model_id", e.ModelID).Msg("generated missing Modelfile")
	}

	has, err := o.client.HasModel(ctx, e.ModelID)
	if err != nil {
		return fail(err)
	}
	if has {
		res.Action = ActionExisting
		return res
	}
	if err := o.client.CreateModel(ctx, e.ModelID, registry.AbsolutizeSpec(e.ArtifactPath, spec)); err != nil {
		return fail(err)
	}
	res.Action = ActionCreated
	return res
}

// classify maps any failure to Timeout or Registration so callers can
// treat entry errors uniformly.
func classify(id string, err error) error {
	switch {
	case errs.IsTimeout(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Timeout(id, err)
	case errs.IsRegistration(err):
		return err
	default:
		return errs.Registration(id, err)
	}
}
