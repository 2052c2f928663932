package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"datastory/internal/capability"
	"datastory/internal/logger"
	"datastory/internal/metrics"
	"datastory/internal/storage"
	"datastory/pkg"
)

// Phase names as they appear in stream event data.
type Phase string

const (
	PhaseResearchProfile Phase = "research-profile"
	PhaseAnalyze         Phase = "analyze"
	PhaseNarrate         Phase = "narrate"
)

// DatasetResolver enriches a dataset reference with registry metadata for
// capability prompts.
type DatasetResolver interface {
	Resolve(ctx context.Context, ref string) (capability.DatasetContext, error)
}

// Options wires an Engine.
type Options struct {
	Sessions storage.SessionStore
	Datasets DatasetResolver // optional

	Research capability.Capability
	Profile  capability.Capability
	Analyze  capability.Capability
	Narrate  capability.Capability

	CallTimeout time.Duration
	RetryDelay  time.Duration
	EventBuffer int
}

// Engine drives the fixed multi-phase pipeline for each query:
// parallel(research, profile), then analyze, then narrate, threading the
// accumulated context forward and streaming ordered progress events.
type Engine struct {
	sessions storage.SessionStore
	datasets DatasetResolver
	exec     *Executor

	research capability.Capability
	profile  capability.Capability
	analyze  capability.Capability
	narrate  capability.Capability

	buffer int
}

// New creates a workflow engine.
func New(opts Options) *Engine {
	return &Engine{
		sessions: opts.Sessions,
		datasets: opts.Datasets,
		exec:     NewExecutor(opts.CallTimeout, opts.RetryDelay),
		research: opts.Research,
		profile:  opts.Profile,
		analyze:  opts.Analyze,
		narrate:  opts.Narrate,
		buffer:   opts.EventBuffer,
	}
}

// workflowRun is the ephemeral per-query state. Nothing outlives the run
// except what is appended to the session and emitted as events.
type workflowRun struct {
	id        string
	sessionID string
	query     string
	session   *storage.Session
	dataset   capability.DatasetContext
	startedAt time.Time
}

// SubmitQuery starts a workflow run for a query against an existing session
// and returns its ordered event stream. The returned channel closes when the
// run terminates; cancelling ctx aborts the run cooperatively, leaving the
// session untouched.
func (e *Engine) SubmitQuery(ctx context.Context, sessionID, query string) (<-chan pkg.StreamEvent, error) {
	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	run := &workflowRun{
		id:        uuid.NewString(),
		sessionID: sessionID,
		query:     query,
		session:   session,
		dataset: capability.DatasetContext{
			Ref:         session.DatasetRef,
			Description: session.Description,
		},
		startedAt: time.Now(),
	}
	if e.datasets != nil {
		if dc, err := e.datasets.Resolve(ctx, session.DatasetRef); err == nil {
			dc.Description = session.Description
			run.dataset = dc
		} else {
			logger.Warn().Str("dataset_ref", session.DatasetRef).Err(err).
				Msg("dataset metadata unavailable, continuing with bare reference")
		}
	}

	stream := newEventStream(e.buffer)
	go e.execute(ctx, run, stream)
	return stream.Events(), nil
}

// execute walks the state machine INIT → PARALLEL_RESEARCH_PROFILE →
// ANALYZE → NARRATE → DONE, with FAILED absorbing from any state. Every
// phase emits started/completed/failed events in strict order; the run ends
// with exactly one final-result unless cancelled.
func (e *Engine) execute(ctx context.Context, run *workflowRun, stream *EventStream) {
	defer stream.close()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	log := logger.Logger.With().
		Str("run_id", run.id).
		Str("session_id", run.sessionID).
		Logger()
	log.Info().Str("query", run.query).Msg("workflow run started")

	in := capability.Input{
		Query:   run.query,
		Dataset: run.dataset,
		History: run.session.Turns,
	}

	// PARALLEL_RESEARCH_PROFILE
	if err := stream.emit(ctx, pkg.EventPhaseStarted, phaseData(PhaseResearchProfile)); err != nil {
		e.abort(log, run)
		return
	}
	parallel := e.runParallelStage(ctx, run, in)
	if ctx.Err() != nil {
		e.abort(log, run)
		return
	}
	if parallel.Status == pkg.StageFailed {
		if err := stream.emit(ctx, pkg.EventPhaseFailed, failData(PhaseResearchProfile, parallel)); err != nil {
			e.abort(log, run)
			return
		}
		e.finish(ctx, log, run, stream, nil, nil,
			fmt.Errorf("research and profiling both failed: %s", parallel.Error))
		return
	}
	if err := stream.emit(ctx, pkg.EventPhaseCompleted, completeData(PhaseResearchProfile, parallel)); err != nil {
		e.abort(log, run)
		return
	}
	in.Research, in.Profile, in.Unavailable = extractParallel(parallel)

	// ANALYZE: load-bearing, no degraded path past a failure here.
	if err := stream.emit(ctx, pkg.EventPhaseStarted, phaseData(PhaseAnalyze)); err != nil {
		e.abort(log, run)
		return
	}
	analyzeResult := e.exec.RunSequential(ctx, string(PhaseAnalyze), e.analyze, in)
	if ctx.Err() != nil {
		e.abort(log, run)
		return
	}
	if analyzeResult.Status == pkg.StageFailed {
		if err := stream.emit(ctx, pkg.EventPhaseFailed, failData(PhaseAnalyze, analyzeResult)); err != nil {
			e.abort(log, run)
			return
		}
		e.finish(ctx, log, run, stream, nil, nil,
			fmt.Errorf("analysis failed: %s", analyzeResult.Error))
		return
	}
	if err := stream.emit(ctx, pkg.EventPhaseCompleted, completeData(PhaseAnalyze, analyzeResult)); err != nil {
		e.abort(log, run)
		return
	}
	in.Analysis = extractOutput(analyzeResult, capability.NameAnalyze).Analysis

	// NARRATE: a failure degrades to the analysis output instead of erroring.
	if err := stream.emit(ctx, pkg.EventPhaseStarted, phaseData(PhaseNarrate)); err != nil {
		e.abort(log, run)
		return
	}
	narrateResult := e.exec.RunSequential(ctx, string(PhaseNarrate), e.narrate, in)
	if ctx.Err() != nil {
		e.abort(log, run)
		return
	}
	if narrateResult.Status == pkg.StageFailed {
		if err := stream.emit(ctx, pkg.EventPhaseFailed, failData(PhaseNarrate, narrateResult)); err != nil {
			e.abort(log, run)
			return
		}
		e.finish(ctx, log, run, stream, nil, in.Analysis,
			fmt.Errorf("narration failed: %s", narrateResult.Error))
		return
	}
	if err := stream.emit(ctx, pkg.EventPhaseCompleted, completeData(PhaseNarrate, narrateResult)); err != nil {
		e.abort(log, run)
		return
	}

	e.finish(ctx, log, run, stream, extractOutput(narrateResult, capability.NameNarrate).Story, in.Analysis, nil)
}

// runParallelStage runs the research+profile fan-out, reusing the session's
// cached profile when it is still valid for the current dataset. A fresh
// profile is written back to the session cache, never on a cancelled run.
func (e *Engine) runParallelStage(ctx context.Context, run *workflowRun, in capability.Input) pkg.StageResult {
	cached := run.session.CachedProfile != nil && run.session.ProfileDatasetRef == run.session.DatasetRef

	if !cached {
		result := e.exec.RunParallel(ctx, string(PhaseResearchProfile),
			[]capability.Capability{e.research, e.profile}, in)
		if out, ok := result.Payload[capability.NameProfile].(*capability.Output); ok && out.Profile != nil && ctx.Err() == nil {
			if err := e.sessions.SetCachedProfile(ctx, run.sessionID, out.Profile, run.session.DatasetRef); err != nil {
				logger.Warn().Str("session_id", run.sessionID).Err(err).Msg("failed to cache profile")
			}
		}
		return result
	}

	// Cache hit: skip the profile call entirely, the cached summary joins
	// the merge as a successful sub-result.
	result := e.exec.RunParallel(ctx, string(PhaseResearchProfile),
		[]capability.Capability{e.research}, in)
	result.Payload[capability.NameProfile] = &capability.Output{
		Capability: capability.NameProfile,
		Profile:    run.session.CachedProfile,
	}
	if result.Status == pkg.StageFailed {
		result.Status = pkg.StagePartial
	}
	return result
}

// finish emits the terminal final-result event and appends the conversation
// turn. Exactly one of story/analysis/failure shapes the result: a story is
// a full answer, an analysis without a story is a degraded answer, neither
// is a genuine error.
func (e *Engine) finish(ctx context.Context, log zerolog.Logger, run *workflowRun, stream *EventStream,
	story *pkg.Story, analysis *pkg.AnalysisResult, failure error) {

	final := pkg.FinalResult{Story: story, Analysis: analysis}
	outcome := "done"
	switch {
	case story != nil:
	case analysis != nil:
		final.Degraded = true
		final.Error = failureText(failure)
		outcome = "failed"
	default:
		final.Error = failureText(failure)
		outcome = "failed"
	}

	if err := stream.emit(ctx, pkg.EventFinalResult, map[string]any{"result": final}); err != nil {
		e.abort(log, run)
		return
	}
	if ctx.Err() != nil {
		e.abort(log, run)
		return
	}

	turns := []pkg.ConversationTurn{
		{Role: "user", Content: run.query},
		{Role: "assistant", Content: answerText(final), Attachments: answerAttachments(final)},
	}
	if err := e.sessions.AppendTurn(ctx, run.sessionID, turns...); err != nil {
		log.Error().Err(err).Msg("failed to append conversation turn")
	}

	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	log.Info().
		Str("outcome", outcome).
		Bool("degraded", final.Degraded).
		Dur("duration", time.Since(run.startedAt)).
		Msg("workflow run finished")
}

// abort handles run cancellation: no final-result, no session mutation.
func (e *Engine) abort(log zerolog.Logger, run *workflowRun) {
	metrics.RunsTotal.WithLabelValues("cancelled").Inc()
	log.Info().Dur("duration", time.Since(run.startedAt)).Msg("workflow run cancelled")
}

// failureText tolerates a missing failure cause, which can happen when a
// capability reports success without producing its typed output.
func failureText(failure error) string {
	if failure == nil {
		return "capability returned no usable output"
	}
	return failure.Error()
}

func phaseData(phase Phase) map[string]any {
	return map[string]any{"phase": string(phase)}
}

func completeData(phase Phase, result pkg.StageResult) map[string]any {
	return map[string]any{
		"phase":  string(phase),
		"status": string(result.Status),
		"result": result,
	}
}

func failData(phase Phase, result pkg.StageResult) map[string]any {
	return map[string]any{
		"phase":  string(phase),
		"status": string(pkg.StageFailed),
		"error":  result.Error,
	}
}

// extractParallel pulls the typed outputs out of the merged parallel-stage
// payload, recording the names of capabilities whose output is unavailable.
func extractParallel(result pkg.StageResult) (*pkg.ResearchResult, *pkg.ProfileSummary, []string) {
	var research *pkg.ResearchResult
	var profile *pkg.ProfileSummary
	var missing []string

	if out, ok := result.Payload[capability.NameResearch].(*capability.Output); ok && out.Research != nil {
		research = out.Research
	} else {
		missing = append(missing, capability.NameResearch)
	}
	if out, ok := result.Payload[capability.NameProfile].(*capability.Output); ok && out.Profile != nil {
		profile = out.Profile
	} else {
		missing = append(missing, capability.NameProfile)
	}
	return research, profile, missing
}

func extractOutput(result pkg.StageResult, name string) *capability.Output {
	if out, ok := result.Payload[name].(*capability.Output); ok {
		return out
	}
	return &capability.Output{Capability: name}
}

func answerText(final pkg.FinalResult) string {
	switch {
	case final.Story != nil:
		return final.Story.Summary
	case final.Analysis != nil:
		if insights, err := sonic.MarshalString(final.Analysis.Insights); err == nil {
			return "Narration was unavailable; key analysis findings: " + insights
		}
		return "Narration was unavailable; analysis completed."
	default:
		return "The analysis could not be completed: " + final.Error
	}
}

func answerAttachments(final pkg.FinalResult) map[string]any {
	if !final.Degraded {
		return nil
	}
	return map[string]any{"degraded": true}
}
