package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"datastory/internal/capability"
	"datastory/internal/logger"
	"datastory/internal/metrics"
	"datastory/pkg"
)

// UnavailableMarker is the status value substituted for a capability output
// that a partial stage could not produce.
const UnavailableMarker = "unavailable"

// Executor runs capabilities as workflow stages: a single sequential call,
// or a parallel fan-out over capabilities that all receive the same input.
type Executor struct {
	// CallTimeout bounds each individual capability call.
	CallTimeout time.Duration
	// RetryDelay is the fixed pause before the single automatic retry of a
	// timeout or transport failure.
	RetryDelay time.Duration
}

// NewExecutor creates a stage executor with the given per-call limits.
func NewExecutor(callTimeout, retryDelay time.Duration) *Executor {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &Executor{CallTimeout: callTimeout, RetryDelay: retryDelay}
}

// RunSequential invokes one capability. Status is ok or failed; a single
// call has no partial state.
func (e *Executor) RunSequential(ctx context.Context, stage string, cap capability.Capability, in capability.Input) pkg.StageResult {
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(stage))
	defer timer.ObserveDuration()

	out, err := e.invoke(ctx, cap, in)
	if err != nil {
		return pkg.StageResult{
			Stage:   stage,
			Status:  pkg.StageFailed,
			Payload: map[string]any{cap.Name(): unavailable(err)},
			Error:   err.Error(),
		}
	}
	return pkg.StageResult{
		Stage:   stage,
		Status:  pkg.StageOK,
		Payload: map[string]any{cap.Name(): out},
	}
}

// RunParallel fans out over the given capabilities concurrently, each with
// its own deadline, and joins them into one keyed result. The merge is
// deterministic: payload content depends only on each call's outcome, never
// on completion order. Status follows the all/some/none-succeeded invariant.
func (e *Executor) RunParallel(ctx context.Context, stage string, caps []capability.Capability, in capability.Input) pkg.StageResult {
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(stage))
	defer timer.ObserveDuration()

	type outcome struct {
		out *capability.Output
		err error
	}
	outcomes := make([]outcome, len(caps))

	g := new(errgroup.Group)
	for i, c := range caps {
		i, c := i, c
		g.Go(func() error {
			out, err := e.invoke(ctx, c, in)
			outcomes[i] = outcome{out: out, err: err}
			return nil
		})
	}
	_ = g.Wait()

	payload := make(map[string]any, len(caps))
	succeeded := 0
	var failures []string
	for i, c := range caps {
		if outcomes[i].err != nil {
			payload[c.Name()] = unavailable(outcomes[i].err)
			failures = append(failures, outcomes[i].err.Error())
			continue
		}
		payload[c.Name()] = outcomes[i].out
		succeeded++
	}

	result := pkg.StageResult{Stage: stage, Payload: payload}
	switch {
	case succeeded == len(caps):
		result.Status = pkg.StageOK
	case succeeded > 0:
		result.Status = pkg.StagePartial
		result.Error = strings.Join(failures, "; ")
	default:
		result.Status = pkg.StageFailed
		result.Error = strings.Join(failures, "; ")
	}
	return result
}

// invoke runs one capability call with the per-call deadline and the retry
// policy: one retry after a fixed delay for timeout/transport failures,
// none for invalid-output, none once the run itself is cancelled.
func (e *Executor) invoke(ctx context.Context, cap capability.Capability, in capability.Input) (*capability.Output, error) {
	var out *capability.Output

	operation := func() error {
		result, err := e.invokeOnce(ctx, cap, in)
		if err == nil {
			out = result
			return nil
		}

		classified := capability.Classify(cap.Name(), err)
		if ctx.Err() != nil {
			// Run cancelled: silent abort, never retried.
			return backoff.Permanent(classified)
		}
		if !classified.Retryable() {
			return backoff.Permanent(classified)
		}
		logger.Warn().
			Str("capability", cap.Name()).
			Str("kind", string(classified.Kind)).
			Err(classified.Cause).
			Msg("capability call failed, retrying once")
		return classified
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.RetryDelay), 1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		classified := capability.Classify(cap.Name(), err)
		metrics.CapabilityErrors.WithLabelValues(cap.Name(), string(classified.Kind)).Inc()
		return nil, classified
	}
	return out, nil
}

func (e *Executor) invokeOnce(ctx context.Context, cap capability.Capability, in capability.Input) (*capability.Output, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
	defer cancel()

	out, err := cap.Invoke(callCtx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, capability.InvalidOutput(cap.Name(), errors.New("capability returned no output"))
	}
	return out, nil
}

// unavailable builds the explicit marker that takes a failed capability's
// place in a stage payload, so downstream stages can proceed on partial
// results without guessing at missing keys.
func unavailable(err error) map[string]any {
	marker := map[string]any{
		"status": UnavailableMarker,
		"error":  err.Error(),
	}
	var ce *capability.Error
	if errors.As(err, &ce) {
		marker["kind"] = string(ce.Kind)
	}
	return marker
}
