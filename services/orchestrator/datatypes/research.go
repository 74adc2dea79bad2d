// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the research API's request and response bodies.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxQueryChars bounds a research query.
	MaxQueryChars = 4000

	// MaxAnswers bounds how many answers one resume may carry.
	MaxAnswers = 10

	// MaxAnswerChars bounds a single answer.
	MaxAnswerChars = 2000
)

// researchValidate is shared by every request type. Initialized in init()
// with custom validators.
var researchValidate *validator.Validate

func init() {
	researchValidate = validator.New()
	_ = researchValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateNotBlank rejects strings that are empty after trimming.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// StartResearchRequest is the body of POST /v1/research.
//
// # Validation
//
//   - Query: required, not blank, at most 4000 characters
type StartResearchRequest struct {
	Query string `json:"query" validate:"required,notblank,max=4000"`
}

// Validate checks the request against its validator tags.
func (r *StartResearchRequest) Validate() error {
	return researchValidate.Struct(r)
}

// ResumeRequest is the body of POST /v1/research/:id/resume.
//
// # Validation
//
//   - Answers: required, 1-10 entries of at most 2000 characters each.
//     Blank entries are allowed; they are dropped when the clarified
//     query is built.
type ResumeRequest struct {
	Answers []string `json:"answers" validate:"required,min=1,max=10,dive,max=2000"`
}

// Validate checks the request against its validator tags.
func (r *ResumeRequest) Validate() error {
	return researchValidate.Struct(r)
}

// StartResearchResponse acknowledges a scheduled session.
type StartResearchResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
