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
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// --- Global Command Variables ---
var (
	configPath   string
	logLevel     string
	traceStdout  bool
	metricStdout bool
	noInput      bool
	answers      []string

	rootCmd = &cobra.Command{
		Use:   "research",
		Short: "Clarify a question, then research it on the web",
		Long: `research asks clarifying questions when a query is ambiguous, then
searches, reads and cross-checks sources before writing a report.
Sessions are checkpointed, so a session suspended for clarification can
be resumed later with 'research resume'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	askCmd = &cobra.Command{
		Use:   "ask [query]",
		Short: "Research a question, prompting for clarification when needed",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	statusCmd = &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show the checkpointed status of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Answer a suspended session's questions and continue it",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the research HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("research %s\n", Version)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.aleutian/research.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&traceStdout, "trace", false, "print trace spans to stderr")
	pf.BoolVar(&metricStdout, "metrics", false, "print pipeline metrics to stderr")
	pf.BoolVar(&noInput, "no-input", false, "never prompt; print questions and exit when clarification is needed")

	resumeCmd.Flags().StringArrayVarP(&answers, "answer", "a", nil, "answer to a clarification question (repeatable)")

	rootCmd.AddCommand(askCmd, statusCmd, resumeCmd, serveCmd, versionCmd)
}
