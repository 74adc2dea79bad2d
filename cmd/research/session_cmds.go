// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/session"
)

// sessionDriver is the part of session.Service the commands use.
type sessionDriver interface {
	Start(ctx context.Context, query string) (string, error)
	Resume(ctx context.Context, sessionID string, answers []string) error
	Continue(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (*session.Snapshot, error)
	Wait(ctx context.Context, sessionID string) (*session.Snapshot, error)
	Subscribe(sessionID string, handler events.Handler) (string, []events.Event)
	Unsubscribe(subscriptionID string)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	env, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer env.close()

	return ask(ctx, env.app.Service, strings.Join(args, " "), choosePrompter(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	env, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer env.close()

	return resume(ctx, env.app.Service, args[0], answers, choosePrompter(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	env, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer env.close()

	snap, err := env.app.Service.Status(ctx, args[0])
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("no checkpoint for session %s (finished sessions keep no checkpoint)", args[0])
	}
	if err != nil {
		return err
	}
	renderStatus(cmd.OutOrStdout(), snap)
	return nil
}

// ask starts a session and drives it to an end.
func ask(ctx context.Context, svc sessionDriver, query string, p prompter, out, progress io.Writer) error {
	id, err := svc.Start(ctx, query)
	if err != nil {
		return err
	}
	fmt.Fprintln(progress, styles.Muted.Render("session "+id))
	return drive(ctx, svc, id, p, out, progress)
}

// resume continues a session from its checkpoint.
//
// A suspended session needs answers, from --answer or the prompter. A
// failed or interrupted session is continued from its next stage and
// takes no answers.
func resume(ctx context.Context, svc sessionDriver, id string, given []string, p prompter, out, progress io.Writer) error {
	snap, err := svc.Status(ctx, id)
	if err != nil {
		return err
	}
	switch snap.Status {
	case session.StatusSuspended:
		if len(given) == 0 {
			if p == nil {
				renderQuestions(out, id, snap.Interrupt)
				return errNoAnswers
			}
			if given, err = p.Answer(ctx, snap.Interrupt); err != nil {
				return err
			}
		}
		if err := svc.Resume(ctx, id, given); err != nil {
			return err
		}
	case session.StatusFailed, session.StatusInterrupted:
		if len(given) > 0 {
			return fmt.Errorf("session %s is %s and has no questions to answer", id, snap.Status)
		}
		if err := svc.Continue(ctx, id); err != nil {
			return err
		}
	case session.StatusFinished:
		renderReport(out, snap.Result)
		return nil
	default:
		return fmt.Errorf("session %s is %s", id, snap.Status)
	}
	return drive(ctx, svc, id, p, out, progress)
}

// drive waits for the session's current run, answering clarification
// rounds until the session finishes, fails or the user opts out. Stage
// progress goes to progress as it happens.
func drive(ctx context.Context, svc sessionDriver, id string, p prompter, out, progress io.Writer) error {
	seen := make(map[string]struct{})
	stopProgress := showProgress(svc, id, progress, seen)
	defer func() { stopProgress() }()

	for {
		snap, err := svc.Wait(ctx, id)
		if err != nil {
			return err
		}
		switch snap.Status {
		case session.StatusFinished:
			stopProgress()
			renderReport(out, snap.Result)
			return nil
		case session.StatusFailed:
			return fmt.Errorf("session %s failed at %s: %s (retry with: research resume %s)",
				id, snap.NextStage, snap.Error, id)
		case session.StatusSuspended:
			stopProgress()
			if p == nil {
				renderQuestions(out, id, snap.Interrupt)
				return nil
			}
			given, err := p.Answer(ctx, snap.Interrupt)
			if err != nil {
				return err
			}
			stopProgress = showProgress(svc, id, progress, seen)
			if err := svc.Resume(ctx, id, given); err != nil {
				return err
			}
		default:
			return fmt.Errorf("session %s stopped while %s", id, snap.Status)
		}
	}
}

// showProgress prints the session's stage events, replayed ones first,
// until the returned function is called. The stop function is idempotent.
//
// seen carries event ids across calls so a later subscription does not
// repeat what an earlier one printed.
func showProgress(svc sessionDriver, id string, progress io.Writer, seen map[string]struct{}) (stop func()) {
	var (
		mu      sync.Mutex
		stopped bool
	)
	write := func(ev events.Event) {
		if _, dup := seen[ev.ID]; dup {
			return
		}
		seen[ev.ID] = struct{}{}
		if line := progressLine(ev); line != "" {
			fmt.Fprintln(progress, line)
		}
	}

	// Live events wait on mu until the replay is written.
	mu.Lock()
	subID, replay := svc.Subscribe(id, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			write(ev)
		}
	})
	for _, ev := range replay {
		write(ev)
	}
	mu.Unlock()

	return func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		stopped = true
		mu.Unlock()
		svc.Unsubscribe(subID)
	}
}
