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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// errNoAnswers is returned when the user leaves every question blank.
var errNoAnswers = errors.New("no answers given")

// prompter collects answers to a clarification interrupt.
type prompter interface {
	Answer(ctx context.Context, interrupt *state.PendingInterrupt) ([]string, error)
}

// choosePrompter returns nil under --no-input, a form on a terminal, and
// a line reader otherwise.
func choosePrompter() prompter {
	if noInput {
		return nil
	}
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return &formPrompter{}
	}
	return newLinePrompter(os.Stdin, os.Stderr)
}

// formPrompter asks every question in one huh form.
type formPrompter struct {
	in  io.Reader
	out io.Writer
}

func (p *formPrompter) Answer(ctx context.Context, interrupt *state.PendingInterrupt) ([]string, error) {
	values := make([]string, len(interrupt.Questions))
	fields := make([]huh.Field, len(interrupt.Questions))
	for i, q := range interrupt.Questions {
		fields[i] = huh.NewInput().
			Title(q).
			CharLimit(2000).
			Value(&values[i])
	}
	if interrupt.Reason != "" {
		fields = append([]huh.Field{huh.NewNote().Title("A few questions first").Description(interrupt.Reason)}, fields...)
	}

	form := huh.NewForm(huh.NewGroup(fields...))
	if p.in != nil {
		form = form.WithInput(p.in)
	}
	if p.out != nil {
		form = form.WithOutput(p.out)
	}
	if err := form.RunWithContext(ctx); err != nil {
		return nil, err
	}
	return nonBlank(values)
}

// linePrompter reads one line per question.
type linePrompter struct {
	r *bufio.Reader
	w io.Writer
}

func newLinePrompter(r io.Reader, w io.Writer) *linePrompter {
	return &linePrompter{r: bufio.NewReader(r), w: w}
}

func (p *linePrompter) Answer(ctx context.Context, interrupt *state.PendingInterrupt) ([]string, error) {
	if interrupt.Reason != "" {
		fmt.Fprintln(p.w, styles.Muted.Render(interrupt.Reason))
	}
	values := make([]string, 0, len(interrupt.Questions))
	for i, q := range interrupt.Questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Fprintf(p.w, "%d. %s\n> ", i+1, q)
		line, err := p.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		values = append(values, line)
		if err != nil {
			break
		}
	}
	return nonBlank(values)
}

func nonBlank(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, errNoAnswers
	}
	return out, nil
}
