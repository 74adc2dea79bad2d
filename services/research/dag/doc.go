// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag runs the research pipeline over a session's state with
// durable checkpoints and human-in-the-loop suspension.
//
// # Topology
//
// The pipeline is fixed:
//
//	planner ──► search ──► reader ──► verifier ──► synthesizer
//	  ▲   │
//	  └───┘  while clarification_complete is false
//
// The only conditional edge is the planner's self-loop. Its bound lives in
// the planner (a clarification round counter), not here.
//
// # Execution states
//
//	RUNNING(stage)                    a stage is being applied
//	AWAITING_INPUT(stage, interrupt)  a stage asked for external input
//	COMPLETE(state)                   the synthesizer has run
//
// Each stage receives a deep copy of the state and returns either a partial
// update or a pending interrupt. The executor merges the update as a whole
// and checkpoints before moving on, so a crash loses at most the stage that
// was in flight. Suspension records the interrupt and returns; Resume
// merges the caller's answer and re-enters the suspended stage as an
// ordinary call. Nothing is held in memory between the two.
//
// # Concurrency
//
// Stages of one session run strictly one after another. Different sessions
// are independent. A session can have one driver at a time; a second Run,
// Resume or Continue fails fast with checkpoint.ErrSessionBusy.
//
// # Usage
//
//	pipeline, err := dag.NewPipeline(planner, search, reader, verifier, synthesizer)
//	exec, err := dag.NewExecutor(pipeline, store, dag.WithLogger(logger))
//
//	res, err := exec.Run(ctx, sessionID, state.New("best laptop"))
//	if res.Status == dag.StatusSuspended {
//	    // ask res.Interrupt.Questions, then:
//	    res, err = exec.Resume(ctx, sessionID, state.ResumeCommand{
//	        ClarifiedQuery: state.ClarifiedQuery(query, answers),
//	        Round:          res.Interrupt.Round,
//	    })
//	}
package dag
