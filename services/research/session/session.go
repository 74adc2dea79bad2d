// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session is the caller-facing boundary of the research pipeline.
//
// A Service starts sessions in the background, reports their status,
// turns clarification answers into resume commands and fans progress
// events out to subscribers. Sessions that need input stay in the
// checkpoint store; finished sessions are kept in a bounded cache so
// their report can still be read after the checkpoint is cleared.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

var (
	// ErrInvalidRequest is returned for empty queries and missing answers.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("session service closed")
)

const (
	// DefaultFinishedCacheSize bounds how many finished reports are kept.
	DefaultFinishedCacheSize = 1024

	// DefaultRetention is how long a finished report stays readable.
	DefaultRetention = 24 * time.Hour

	// MaxQueryLength is the longest accepted query, in runes.
	MaxQueryLength = 4000
)

// Status is a session's externally visible status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"

	// StatusInterrupted means a checkpoint says a stage was due but no run
	// is in flight, typically after a crash. Continue picks it up.
	StatusInterrupted Status = "interrupted"
)

// Report is the outcome of a finished session.
type Report struct {
	Query          string               `json:"query"`
	ClarifiedQuery string               `json:"clarified_query,omitempty"`
	FinalAnswer    string               `json:"final_answer"`
	VerifiedFacts  []state.VerifiedFact `json:"verified_facts"`
	Conflicts      []state.Conflict     `json:"conflicts"`
	UncertainFacts []string             `json:"uncertain_facts"`
}

// Snapshot is a point-in-time view of one session.
type Snapshot struct {
	SessionID string                  `json:"session_id"`
	Status    Status                  `json:"status"`
	Interrupt *state.PendingInterrupt `json:"interrupt,omitempty"`
	Result    *Report                 `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
	NextStage string                  `json:"next_stage,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Service runs research sessions.
//
// Description:
//
//	Start, Resume and Continue return as soon as the run is scheduled.
//	Runs use the service's own context, not the caller's, so an HTTP
//	request ending does not cancel the research it started. Close
//	cancels every run in flight; their checkpoints are left failed and
//	can be continued later.
//
// Thread Safety:
//
//	Service is safe for concurrent use.
type Service struct {
	executor *dag.Executor
	store    checkpoint.Store
	emitter  *events.Emitter
	logger   *slog.Logger
	finished *finishedStore
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]chan struct{}
	closed   bool
}

type options struct {
	logger       *slog.Logger
	emitter      *events.Emitter
	cacheSize    int
	retention    time.Duration
	newID        func() string
	executorOpts []dag.Option
}

// Option configures a Service.
type Option func(*options)

// WithLogger sets the logger for the service and its executor.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEmitter shares an existing event emitter.
func WithEmitter(e *events.Emitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithFinishedCache bounds how many finished reports are kept and for how
// long. When full, the oldest report is dropped to make room.
func WithFinishedCache(size int, retention time.Duration) Option {
	return func(o *options) {
		if size > 0 {
			o.cacheSize = size
		}
		if retention > 0 {
			o.retention = retention
		}
	}
}

// WithIDFunc replaces the session id generator.
func WithIDFunc(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithExecutorOptions passes options through to the executor.
func WithExecutorOptions(opts ...dag.Option) Option {
	return func(o *options) {
		o.executorOpts = append(o.executorOpts, opts...)
	}
}

// NewService creates a Service over pipeline and store.
//
// Inputs:
//
//	pipeline - The validated stage graph.
//	store - Checkpoint store shared by every session.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Service - Ready to start sessions. Call Close when done.
//	error - Non-nil if the executor cannot be built.
func NewService(pipeline *dag.Pipeline, store checkpoint.Store, opts ...Option) (*Service, error) {
	o := options{
		logger:    slog.Default(),
		cacheSize: DefaultFinishedCacheSize,
		retention: DefaultRetention,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.emitter == nil {
		o.emitter = events.NewEmitter()
	}

	execOpts := append([]dag.Option{
		dag.WithLogger(o.logger),
		dag.WithPublisher(o.emitter),
	}, o.executorOpts...)
	executor, err := dag.NewExecutor(pipeline, store, execOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		executor: executor,
		store:    store,
		emitter:  o.emitter,
		logger:   o.logger,
		finished: newFinishedStore(o.cacheSize, o.retention),
		newID:    o.newID,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]chan struct{}),
	}, nil
}

// Start schedules a new session for query and returns its id.
func (s *Service) Start(ctx context.Context, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}
	if len([]rune(query)) > MaxQueryLength {
		return "", fmt.Errorf("%w: query longer than %d characters", ErrInvalidRequest, MaxQueryLength)
	}

	id := s.newID()
	err := s.launch(id, func(ctx context.Context) (*dag.Result, error) {
		return s.executor.Run(ctx, id, state.New(query))
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("research session started", slog.String("session_id", id))
	return id, nil
}

// Resume answers a suspended session's clarification questions.
//
// Description:
//
//	The answers are joined onto the session's original query and the run
//	continues in the background from the stage that asked. Validation
//	happens before scheduling, so the usual resume errors are returned
//	here rather than surfacing later in Status.
//
// Outputs:
//
//	error - ErrInvalidRequest without answers, checkpoint.ErrNotFound,
//	        checkpoint.ErrSessionBusy while a run is in flight,
//	        dag.ErrNotSuspended when no questions are outstanding.
func (s *Service) Resume(ctx context.Context, sessionID string, answers []string) error {
	if err := checkpoint.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(answers) == 0 {
		return fmt.Errorf("%w: no answers", ErrInvalidRequest)
	}
	if s.isRunning(sessionID) {
		return fmt.Errorf("%w: %s", checkpoint.ErrSessionBusy, sessionID)
	}

	rec, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Phase != checkpoint.PhaseAwaitingInput || rec.Interrupt == nil {
		return fmt.Errorf("%w: session %s is %s", dag.ErrNotSuspended, sessionID, rec.Phase)
	}

	cmd := state.ResumeCommand{
		ClarifiedQuery: state.ClarifiedQuery(rec.State.Query, answers),
		Round:          rec.Interrupt.Round,
	}
	return s.launch(sessionID, func(ctx context.Context) (*dag.Result, error) {
		return s.executor.Resume(ctx, sessionID, cmd)
	})
}

// Continue restarts a session left running or failed by a crash or a
// stage error.
func (s *Service) Continue(ctx context.Context, sessionID string) error {
	if err := checkpoint.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if s.isRunning(sessionID) {
		return fmt.Errorf("%w: %s", checkpoint.ErrSessionBusy, sessionID)
	}
	rec, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Phase == checkpoint.PhaseAwaitingInput {
		return fmt.Errorf("%w: session %s is waiting for answers", checkpoint.ErrSessionBusy, sessionID)
	}
	return s.launch(sessionID, func(ctx context.Context) (*dag.Result, error) {
		return s.executor.Continue(ctx, sessionID)
	})
}

// Status reports where a session stands.
func (s *Service) Status(ctx context.Context, sessionID string) (*Snapshot, error) {
	if err := checkpoint.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if s.isRunning(sessionID) {
		return &Snapshot{SessionID: sessionID, Status: StatusRunning, UpdatedAt: time.Now().UTC()}, nil
	}
	if snap, ok := s.finished.get(sessionID); ok {
		return &snap, nil
	}

	rec, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		SessionID: sessionID,
		NextStage: rec.NextStage,
		UpdatedAt: rec.UpdatedAt,
	}
	switch rec.Phase {
	case checkpoint.PhaseAwaitingInput:
		snap.Status = StatusSuspended
		snap.Interrupt = rec.Interrupt.Clone()
	case checkpoint.PhaseFailed:
		snap.Status = StatusFailed
		snap.Error = rec.LastError
	default:
		snap.Status = StatusInterrupted
	}
	return snap, nil
}

// Wait blocks until the session's current run ends or ctx is done, then
// returns its status.
func (s *Service) Wait(ctx context.Context, sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	done := s.inflight[sessionID]
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Status(ctx, sessionID)
}

// Run starts a session and waits for it to finish or suspend.
func (s *Service) Run(ctx context.Context, query string) (*Snapshot, error) {
	id, err := s.Start(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, id)
}

// ResumeAndWait resumes a session and waits for the run to end.
func (s *Service) ResumeAndWait(ctx context.Context, sessionID string, answers []string) (*Snapshot, error) {
	if err := s.Resume(ctx, sessionID, answers); err != nil {
		return nil, err
	}
	return s.Wait(ctx, sessionID)
}

// Subscribe delivers the session's events to handler, starting with the
// ones already published.
//
// Outputs:
//
//	string - Subscription id for Unsubscribe.
//	[]events.Event - Events published before the subscription.
func (s *Service) Subscribe(sessionID string, handler events.Handler) (string, []events.Event) {
	return s.emitter.SubscribeWithReplay(sessionID, handler)
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(subscriptionID string) {
	s.emitter.Unsubscribe(subscriptionID)
}

// Close cancels runs in flight and waits for them to stop.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Service) isRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionID]
	return ok
}

// launch runs fn in the background for sessionID. At most one run per
// session is in flight within this service; the executor's locks guard
// against other services sharing the store.
func (s *Service) launch(sessionID string, fn func(ctx context.Context) (*dag.Result, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.inflight[sessionID]; ok {
		return fmt.Errorf("%w: %s", checkpoint.ErrSessionBusy, sessionID)
	}
	done := make(chan struct{})
	s.inflight[sessionID] = done
	s.finished.remove(sessionID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := fn(s.ctx)
		s.record(sessionID, res, err)

		s.mu.Lock()
		delete(s.inflight, sessionID)
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

// record caches the outcome of a run that will leave no checkpoint behind
// worth reading. It runs before the session leaves the in-flight set.
func (s *Service) record(sessionID string, res *dag.Result, err error) {
	logger := s.logger.With(slog.String("session_id", sessionID))
	now := time.Now().UTC()

	switch {
	case errors.Is(err, checkpoint.ErrSessionBusy):
		logger.Warn("session is being run elsewhere", slog.String("error", err.Error()))
		return
	case err != nil:
		logger.Error("research session failed", slog.String("error", err.Error()))
		snap := Snapshot{SessionID: sessionID, Status: StatusFailed, Error: err.Error(), UpdatedAt: now}
		var stageErr *dag.StageError
		if errors.As(err, &stageErr) {
			snap.NextStage = string(stageErr.Stage)
		}
		s.cache(snap)
		return
	}

	switch res.Status {
	case dag.StatusSuspended:
		logger.Info("research session waiting for clarification", slog.Int("round", res.Interrupt.Round))
	case dag.StatusFinished:
		logger.Info("research session finished",
			slog.Int("verified_facts", len(res.State.VerifiedFacts)),
			slog.Duration("duration", res.Duration),
		)
		s.cache(Snapshot{SessionID: sessionID, Status: StatusFinished, Result: reportOf(res.State), UpdatedAt: now})
	}
}

func (s *Service) cache(snap Snapshot) {
	s.finished.put(snap)
}

func reportOf(st state.SessionState) *Report {
	return &Report{
		Query:          st.Query,
		ClarifiedQuery: st.ClarifiedQuery,
		FinalAnswer:    st.FinalAnswer,
		VerifiedFacts:  st.VerifiedFacts,
		Conflicts:      st.Conflicts,
		UncertainFacts: st.UncertainFacts,
	}
}
