// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

var (
	tracer = otel.Tracer("aleutian.research.dag")
	meter  = otel.Meter("aleutian.research.dag")
)

// DefaultMaxTransitions bounds stage applications per Run, Resume or
// Continue call.
const DefaultMaxTransitions = 64

// Status is how a call to the executor ended.
type Status string

const (
	// StatusFinished means the synthesizer ran and the checkpoint is gone.
	StatusFinished Status = "finished"

	// StatusSuspended means a stage is waiting on Result.Interrupt.
	StatusSuspended Status = "suspended"
)

// Result describes a Run, Resume or Continue that did not fail.
type Result struct {
	SessionID string
	Status    Status

	// State is the final state when finished, or the checkpointed state
	// when suspended.
	State state.SessionState

	// Interrupt is set when suspended.
	Interrupt *state.PendingInterrupt

	// StagesExecuted lists stages applied by this call, in order.
	StagesExecuted []StageName

	Duration time.Duration
}

// Executor drives sessions through a Pipeline.
//
// Description:
//
//	The executor is stateless between calls: everything it needs to pick
//	a session up again is in the checkpoint store. Any executor sharing
//	the store can resume a session another one suspended.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Calls for different sessions run
//	in parallel; calls for the same session are rejected while one is in
//	flight.
type Executor struct {
	pipeline       *Pipeline
	store          checkpoint.Store
	locks          *checkpoint.Locks
	publisher      events.Publisher
	logger         *slog.Logger
	maxTransitions int

	// Metrics (initialized lazily)
	metricsOnce     sync.Once
	stageLatency    metric.Float64Histogram
	stageSuccesses  metric.Int64Counter
	stageFailures   metric.Int64Counter
	suspensions     metric.Int64Counter
	activeSessions  metric.Int64UpDownCounter
	pipelineLatency metric.Float64Histogram
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPublisher sets where progress events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLocks shares a session lock table with other components.
func WithLocks(l *checkpoint.Locks) Option {
	return func(e *Executor) {
		if l != nil {
			e.locks = l
		}
	}
}

// WithMaxTransitions overrides DefaultMaxTransitions.
func WithMaxTransitions(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxTransitions = n
		}
	}
}

// NewExecutor creates an executor.
//
// Inputs:
//
//	pipeline - The stage bindings. Must not be nil.
//	store - Checkpoint store. Must not be nil.
//	opts - Optional logger, publisher, lock table and bounds.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - ErrInvalidInput if pipeline or store is nil.
func NewExecutor(pipeline *Pipeline, store checkpoint.Store, opts ...Option) (*Executor, error) {
	if pipeline == nil || store == nil {
		return nil, ErrInvalidInput
	}
	e := &Executor{
		pipeline:       pipeline,
		store:          store,
		locks:          checkpoint.NewLocks(),
		publisher:      events.Discard,
		logger:         slog.Default(),
		maxTransitions: DefaultMaxTransitions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Locks returns the lock table guarding sessions.
func (e *Executor) Locks() *checkpoint.Locks {
	return e.locks
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.stageLatency, err = meter.Float64Histogram("research_stage_duration_seconds",
			metric.WithDescription("Time spent applying each pipeline stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_latency: "+err.Error())
		}

		e.stageSuccesses, err = meter.Int64Counter("research_stage_success_total",
			metric.WithDescription("Number of successful stage applications"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_successes: "+err.Error())
		}

		e.stageFailures, err = meter.Int64Counter("research_stage_failure_total",
			metric.WithDescription("Number of failed stage applications"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_failures: "+err.Error())
		}

		e.suspensions, err = meter.Int64Counter("research_suspensions_total",
			metric.WithDescription("Number of sessions suspended awaiting input"),
		)
		if err != nil {
			initErrors = append(initErrors, "suspensions: "+err.Error())
		}

		e.activeSessions, err = meter.Int64UpDownCounter("research_active_sessions",
			metric.WithDescription("Number of sessions currently being driven"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_sessions: "+err.Error())
		}

		e.pipelineLatency, err = meter.Float64Histogram("research_pipeline_duration_seconds",
			metric.WithDescription("Wall time of one executor call until finish or suspension"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some research metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run starts a new session.
//
// Description:
//
//	Checkpoints the initial state, then applies stages from the planner
//	until the pipeline finishes or a stage suspends. A session id that
//	already has a checkpoint is rejected: a suspended session must be
//	resumed, an interrupted one continued.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	sessionID - New session id. Must satisfy checkpoint.ValidateSessionID.
//	initial - Starting state, normally state.New(query).
//
// Outputs:
//
//	*Result - Finished or suspended.
//	error - checkpoint.ErrSessionBusy, a *StageError, a store error, or
//	        ctx's error.
func (e *Executor) Run(ctx context.Context, sessionID string, initial state.SessionState) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := checkpoint.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	release, err := e.locks.TryAcquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.store.Load(ctx, sessionID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: session %s already exists (%s)", checkpoint.ErrSessionBusy, sessionID, existing.Phase)
	case !errors.Is(err, checkpoint.ErrNotFound):
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	ctx, span := tracer.Start(ctx, "research.Pipeline",
		trace.WithAttributes(
			attribute.String("research.session_id", sessionID),
			attribute.String("research.entry", string(e.pipeline.Entry())),
		),
	)
	defer span.End()

	e.logger.Info("pipeline started",
		slog.String("session_id", sessionID),
		slog.Int("query_len", len(initial.Query)),
	)

	entry := e.pipeline.Entry()
	if err := e.save(ctx, checkpoint.Record{
		SessionID: sessionID,
		State:     initial,
		Phase:     checkpoint.PhaseRunning,
		NextStage: string(entry),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.publish(events.Event{Type: events.TypeSessionStart, SessionID: sessionID, Stage: string(entry)})

	return e.drive(ctx, span, sessionID, initial.Clone(), entry)
}

// Resume continues a suspended session with the caller's answer.
//
// Description:
//
//	Loads the checkpoint, checks that cmd answers the pending interrupt,
//	merges the clarified query and round into the state, clears the
//	interrupt and re-enters the stage that suspended. The interrupt is
//	consumed: a second Resume for the same round fails with
//	ErrNotSuspended.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	sessionID - The suspended session.
//	cmd - The answer. cmd.Round must equal the interrupt's round.
//
// Outputs:
//
//	*Result - Finished or suspended again.
//	error - checkpoint.ErrNotFound, checkpoint.ErrSessionBusy,
//	        ErrNotSuspended, ErrStaleResume, a *StageError, or a store
//	        error.
func (e *Executor) Resume(ctx context.Context, sessionID string, cmd state.ResumeCommand) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := checkpoint.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	release, err := e.locks.TryAcquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "research.Resume",
		trace.WithAttributes(
			attribute.String("research.session_id", sessionID),
			attribute.Int("research.round", cmd.Round),
		),
	)
	defer span.End()

	rec, err := e.store.Load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if rec.Phase != checkpoint.PhaseAwaitingInput || rec.Interrupt == nil {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotSuspended, sessionID, rec.Phase)
	}
	if cmd.Round != rec.Interrupt.Round {
		return nil, fmt.Errorf("%w: got round %d, pending round %d", ErrStaleResume, cmd.Round, rec.Interrupt.Round)
	}

	next := StageName(rec.NextStage)
	if _, ok := e.pipeline.Stage(next); !ok {
		return nil, fmt.Errorf("%w: checkpoint names stage %q", ErrUnknownStage, rec.NextStage)
	}

	st := state.Merge(rec.State, state.Update{
		ClarifiedQuery:     state.Ptr(cmd.ClarifiedQuery),
		ClarificationRound: state.Ptr(cmd.Round),
	})
	if err := e.save(ctx, checkpoint.Record{
		SessionID: sessionID,
		State:     st,
		Phase:     checkpoint.PhaseRunning,
		NextStage: string(next),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.logger.Info("session resumed",
		slog.String("session_id", sessionID),
		slog.String("stage", string(next)),
		slog.Int("round", cmd.Round),
	)
	e.publish(events.Event{Type: events.TypeResumed, SessionID: sessionID, Stage: string(next)})

	return e.drive(ctx, span, sessionID, st, next)
}

// Continue picks up a session whose driver died between stages or whose
// last stage failed, starting at the stage recorded in its checkpoint.
//
// Outputs:
//
//	*Result - Finished or suspended.
//	error - checkpoint.ErrNotFound, or checkpoint.ErrSessionBusy when the
//	        session is suspended (use Resume) or already being driven.
func (e *Executor) Continue(ctx context.Context, sessionID string) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := checkpoint.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	release, err := e.locks.TryAcquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if rec.Phase == checkpoint.PhaseAwaitingInput {
		return nil, fmt.Errorf("%w: session %s is awaiting input", checkpoint.ErrSessionBusy, sessionID)
	}
	next := StageName(rec.NextStage)
	if _, ok := e.pipeline.Stage(next); !ok {
		return nil, fmt.Errorf("%w: checkpoint names stage %q", ErrUnknownStage, rec.NextStage)
	}

	ctx, span := tracer.Start(ctx, "research.Continue",
		trace.WithAttributes(
			attribute.String("research.session_id", sessionID),
			attribute.String("research.stage", string(next)),
			attribute.String("research.phase", string(rec.Phase)),
		),
	)
	defer span.End()

	e.logger.Info("session continued",
		slog.String("session_id", sessionID),
		slog.String("stage", string(next)),
		slog.String("phase", string(rec.Phase)),
	)
	e.publish(events.Event{Type: events.TypeResumed, SessionID: sessionID, Stage: string(next)})

	return e.drive(ctx, span, sessionID, rec.State, next)
}

// drive applies stages starting at stage until the pipeline finishes, a
// stage suspends, or something fails. The caller holds the session lock.
func (e *Executor) drive(ctx context.Context, span trace.Span, sessionID string, st state.SessionState, stage StageName) (*Result, error) {
	e.initMetrics()
	if e.activeSessions != nil {
		e.activeSessions.Add(ctx, 1)
		defer e.activeSessions.Add(ctx, -1)
	}

	start := time.Now()
	var executed []StageName
	fail := func(err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("pipeline failed",
			slog.String("session_id", sessionID),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	for transitions := 0; ; transitions++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if transitions >= e.maxTransitions {
			err := fmt.Errorf("%w: %d stage applications without finishing", ErrNoProgress, transitions)
			e.saveFailure(ctx, sessionID, st, stage, err)
			return fail(err)
		}

		outcome, err := e.applyStage(ctx, sessionID, stage, st)
		if err != nil {
			e.saveFailure(ctx, sessionID, st, stage, err)
			return fail(&StageError{Stage: stage, Err: err})
		}
		executed = append(executed, stage)

		if outcome.Suspended() {
			interrupt := outcome.Interrupt.Clone()
			if err := e.save(ctx, checkpoint.Record{
				SessionID: sessionID,
				State:     st,
				Interrupt: interrupt,
				Phase:     checkpoint.PhaseAwaitingInput,
				NextStage: string(stage),
			}); err != nil {
				return fail(err)
			}
			if e.suspensions != nil {
				e.suspensions.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
			}
			e.publish(events.Event{
				Type:      events.TypeSuspended,
				SessionID: sessionID,
				Stage:     string(stage),
				Data:      events.SuspendedData{Interrupt: interrupt.Clone()},
			})
			e.logger.Info("pipeline suspended",
				slog.String("session_id", sessionID),
				slog.String("stage", string(stage)),
				slog.Int("round", interrupt.Round),
				slog.Int("questions", len(interrupt.Questions)),
			)
			span.SetAttributes(attribute.Bool("research.suspended", true))
			span.SetStatus(codes.Ok, "")
			return e.result(sessionID, StatusSuspended, st, interrupt, executed, start), nil
		}

		st = state.Merge(st, outcome.Update)
		next := e.pipeline.Next(stage, st)
		keys := outcome.Update.Keys()

		if next == "" {
			if err := e.store.Clear(ctx, sessionID); err != nil {
				e.logger.Warn("failed to clear finished checkpoint",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
			e.publish(events.Event{
				Type:      events.TypeStageComplete,
				SessionID: sessionID,
				Stage:     string(stage),
				Data:      events.StageData{Keys: keys},
			})
			res := e.result(sessionID, StatusFinished, st, nil, executed, start)
			e.publish(events.Event{
				Type:      events.TypeSessionEnd,
				SessionID: sessionID,
				Data: events.SessionEndData{
					VerifiedFacts:  len(st.VerifiedFacts),
					Conflicts:      len(st.Conflicts),
					UncertainFacts: len(st.UncertainFacts),
					DurationMs:     res.Duration.Milliseconds(),
				},
			})
			if e.pipelineLatency != nil {
				e.pipelineLatency.Record(ctx, res.Duration.Seconds())
			}
			e.logger.Info("pipeline completed",
				slog.String("session_id", sessionID),
				slog.Duration("duration", res.Duration),
				slog.Int("stages_executed", len(executed)),
				slog.Int("verified_facts", len(st.VerifiedFacts)),
				slog.Int("conflicts", len(st.Conflicts)),
			)
			span.SetStatus(codes.Ok, "")
			return res, nil
		}

		if err := e.save(ctx, checkpoint.Record{
			SessionID: sessionID,
			State:     st,
			Phase:     checkpoint.PhaseRunning,
			NextStage: string(next),
		}); err != nil {
			return fail(err)
		}
		e.publish(events.Event{
			Type:      events.TypeStageComplete,
			SessionID: sessionID,
			Stage:     string(stage),
			Data:      events.StageData{Keys: keys, Next: string(next)},
		})
		stage = next
	}
}

// applyStage runs one stage with a timeout, a span and metrics.
func (e *Executor) applyStage(ctx context.Context, sessionID string, name StageName, st state.SessionState) (outcome Outcome, err error) {
	stage, ok := e.pipeline.Stage(name)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}

	ctx, span := tracer.Start(ctx, "research.stage."+string(name),
		trace.WithAttributes(
			attribute.String("research.stage", string(name)),
			attribute.String("research.session_id", sessionID),
			attribute.Int("research.round", st.ClarificationRound),
		),
	)
	defer span.End()

	e.logger.Debug("stage starting",
		slog.String("stage", string(name)),
		slog.String("session_id", sessionID),
	)
	e.publish(events.Event{Type: events.TypeStageStart, SessionID: sessionID, Stage: string(name)})

	stageCtx, cancel := context.WithTimeoutCause(ctx, stage.Timeout(), ErrStageTimeout)
	defer cancel()

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("stage panicked: %v", r)
			}
		}()
		outcome, err = stage.Apply(stageCtx, st.Clone())
	}()
	duration := time.Since(start)

	if e.stageLatency != nil {
		e.stageLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("stage", string(name))),
		)
	}

	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s: %v", ErrStageTimeout, name, stage.Timeout(), err)
		}
		if e.stageFailures != nil {
			e.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(name))))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.publish(events.Event{
			Type:      events.TypeStageFailed,
			SessionID: sessionID,
			Stage:     string(name),
			Data:      events.StageData{DurationMs: duration.Milliseconds(), Error: err.Error()},
		})
		e.logger.Error("stage failed",
			slog.String("stage", string(name)),
			slog.String("session_id", sessionID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return Outcome{}, err
	}

	if e.stageSuccesses != nil {
		e.stageSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(name))))
	}
	span.SetAttributes(attribute.Bool("research.suspended", outcome.Suspended()))
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("stage completed",
		slog.String("stage", string(name)),
		slog.String("session_id", sessionID),
		slog.Duration("duration", duration),
		slog.Bool("suspended", outcome.Suspended()),
	)
	return outcome, nil
}

func (e *Executor) save(ctx context.Context, rec checkpoint.Record) error {
	if err := e.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("checkpoint before %s: %w", rec.NextStage, err)
	}
	return nil
}

// saveFailure records that stage failed so Continue can retry it. It is
// best effort: the previous boundary checkpoint already names the same
// stage and state.
func (e *Executor) saveFailure(ctx context.Context, sessionID string, st state.SessionState, stage StageName, cause error) {
	saveCtx := ctx
	if ctx.Err() != nil {
		// Record the failure even though the run was cancelled.
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	err := e.store.Save(saveCtx, checkpoint.Record{
		SessionID: sessionID,
		State:     st,
		Phase:     checkpoint.PhaseFailed,
		NextStage: string(stage),
		LastError: cause.Error(),
	})
	if err != nil {
		e.logger.Warn("failed to record stage failure",
			slog.String("session_id", sessionID),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) publish(ev events.Event) {
	e.publisher.Publish(ev)
}

func (e *Executor) result(sessionID string, status Status, st state.SessionState, interrupt *state.PendingInterrupt, executed []StageName, start time.Time) *Result {
	return &Result{
		SessionID:      sessionID,
		Status:         status,
		State:          st.Clone(),
		Interrupt:      interrupt.Clone(),
		StagesExecuted: executed,
		Duration:       time.Since(start),
	}
}
