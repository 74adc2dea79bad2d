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
	"fmt"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// Topology is the stage order of every research pipeline.
var Topology = []StageName{StagePlanner, StageSearch, StageReader, StageVerifier, StageSynthesizer}

// Pipeline binds one implementation to each stage of Topology.
//
// Thread Safety: Immutable after construction.
type Pipeline struct {
	stages map[StageName]Stage
	next   map[StageName]StageName
}

// NewPipeline validates stages against Topology.
//
// Description:
//
//	Every topology stage must be supplied exactly once. Stages may be
//	given in any order; execution order always follows Topology.
//
// Outputs:
//
//	*Pipeline - The pipeline.
//	error - ErrNilStage, ErrUnknownStage, ErrDuplicateStage or
//	        ErrMissingStage.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	known := make(map[StageName]bool, len(Topology))
	for _, name := range Topology {
		known[name] = true
	}

	p := &Pipeline{
		stages: make(map[StageName]Stage, len(Topology)),
		next:   make(map[StageName]StageName, len(Topology)),
	}
	for _, s := range stages {
		if s == nil {
			return nil, ErrNilStage
		}
		name := s.Name()
		if !known[name] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		if _, dup := p.stages[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, name)
		}
		p.stages[name] = s
	}
	for i, name := range Topology {
		if _, ok := p.stages[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingStage, name)
		}
		if i+1 < len(Topology) {
			p.next[name] = Topology[i+1]
		}
	}
	return p, nil
}

// Entry returns the first stage of every run.
func (p *Pipeline) Entry() StageName {
	return Topology[0]
}

// Stage returns the implementation bound to name.
func (p *Pipeline) Stage(name StageName) (Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

// Next returns the stage that follows current given the merged state, or
// "" when current is the last stage.
func (p *Pipeline) Next(current StageName, st state.SessionState) StageName {
	if current == StagePlanner && !st.ClarificationComplete {
		return StagePlanner
	}
	return p.next[current]
}
