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
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/session"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// Aleutian palette.
var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorTealDim = lipgloss.Color("#16858E")
	colorSlate   = lipgloss.Color("#2C4A54")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
	Muted:   lipgloss.NewStyle().Foreground(colorSlate),
	Success: lipgloss.NewStyle().Foreground(colorTeal),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorTealDim).
		Padding(0, 1),
}

// renderReport prints a finished session's answer and a short tally.
func renderReport(w io.Writer, r *session.Report) {
	fmt.Fprintln(w, styles.Title.Render("Research report"))
	q := r.Query
	if r.ClarifiedQuery != "" {
		q = r.ClarifiedQuery
	}
	fmt.Fprintln(w, styles.Muted.Render(q))
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.TrimSpace(r.FinalAnswer))
	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Muted.Render(fmt.Sprintf("%d verified, %d conflicting, %d uncertain",
		len(r.VerifiedFacts), len(r.Conflicts), len(r.UncertainFacts))))
}

// renderQuestions prints an interrupt and how to answer it later.
func renderQuestions(w io.Writer, sessionID string, interrupt *state.PendingInterrupt) {
	var b strings.Builder
	b.WriteString(styles.Warning.Render("Clarification needed"))
	if interrupt.Reason != "" {
		b.WriteString("\n" + interrupt.Reason)
	}
	for i, q := range interrupt.Questions {
		fmt.Fprintf(&b, "\n%d. %s", i+1, q)
	}
	fmt.Fprintln(w, styles.Box.Render(b.String()))
	fmt.Fprintf(w, "Answer with: research resume %s --answer \"...\"\n", sessionID)
}

// renderStatus prints a snapshot for `research status`.
func renderStatus(w io.Writer, snap *session.Snapshot) {
	fmt.Fprintf(w, "%s %s\n", styles.Title.Render("Session"), snap.SessionID)
	fmt.Fprintf(w, "  status:  %s\n", statusStyle(snap.Status).Render(string(snap.Status)))
	if snap.NextStage != "" {
		fmt.Fprintf(w, "  next:    %s\n", snap.NextStage)
	}
	if !snap.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "  updated: %s\n", snap.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if snap.Error != "" {
		fmt.Fprintf(w, "  error:   %s\n", snap.Error)
	}
	if snap.Interrupt != nil {
		renderQuestions(w, snap.SessionID, snap.Interrupt)
	}
	if snap.Result != nil {
		fmt.Fprintln(w)
		renderReport(w, snap.Result)
	}
}

func statusStyle(s session.Status) lipgloss.Style {
	switch s {
	case session.StatusFinished:
		return styles.Success
	case session.StatusFailed:
		return styles.Error
	case session.StatusSuspended, session.StatusInterrupted:
		return styles.Warning
	default:
		return styles.Muted
	}
}

// progressLine renders a stage event as one line, or "" for events not
// worth showing.
func progressLine(ev events.Event) string {
	switch ev.Type {
	case events.TypeStageStart:
		return styles.Muted.Render("→ " + ev.Stage)
	case events.TypeStageComplete:
		if d, ok := ev.Data.(events.StageData); ok && d.DurationMs > 0 {
			return styles.Success.Render(fmt.Sprintf("✓ %s (%dms)", ev.Stage, d.DurationMs))
		}
		return styles.Success.Render("✓ " + ev.Stage)
	case events.TypeStageFailed:
		msg := "✗ " + ev.Stage
		if d, ok := ev.Data.(events.StageData); ok && d.Error != "" {
			msg += ": " + d.Error
		}
		return styles.Error.Render(msg)
	default:
		return ""
	}
}
