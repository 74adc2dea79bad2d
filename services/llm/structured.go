// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianResearch/services/research/collab"
)

// errNoJSON is the decode failure when a completion holds no JSON value.
var errNoJSON = errors.New("no JSON value in completion")

// StructuredModel adapts an LLMClient to collab.Model.
//
// Description:
//
//	Sends the system prompt and user content as two chat turns. For a
//	*string target the completion is returned verbatim. For anything else
//	the first JSON value in the completion (inside a ``` fence if there is
//	one) is decoded into the target, and struct targets are checked
//	against their `validate` tags. Decode and validation failures become
//	*collab.MalformedOutputError; transport failures pass through
//	unchanged so callers can tell them apart.
//
// Thread Safety:
//
//	Safe for concurrent use when the underlying client is.
type StructuredModel struct {
	client   LLMClient
	params   GenerationParams
	validate *validator.Validate
	logger   *slog.Logger
}

// NewStructuredModel wraps client. params apply to every call.
func NewStructuredModel(client LLMClient, params GenerationParams, logger *slog.Logger) *StructuredModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredModel{
		client:   client,
		params:   params,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

var _ collab.Model = (*StructuredModel)(nil)

// Invoke implements collab.Model.
func (m *StructuredModel) Invoke(ctx context.Context, systemPrompt, userContent string, out any) error {
	messages := make([]Message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: userContent})

	raw, err := m.client.Chat(ctx, messages, m.params)
	if err != nil {
		return err
	}
	if s, ok := out.(*string); ok {
		*s = raw
		return nil
	}

	op := operationName(out)
	payload := ExtractJSON(raw)
	if payload == "" {
		return collab.NewMalformedOutputError(op, raw, errNoJSON)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return collab.NewMalformedOutputError(op, raw, err)
	}
	if isStructPointer(out) {
		if err := m.validate.Struct(out); err != nil {
			m.logger.Debug("structured output failed validation",
				slog.String("operation", op),
				slog.String("error", err.Error()),
			)
			return collab.NewMalformedOutputError(op, raw, err)
		}
	}
	return nil
}

// ExtractJSON returns the first JSON object or array in s, looking inside a
// ``` fence first. It returns "" when there is none.
func ExtractJSON(s string) string {
	if body, ok := fenced(s); ok {
		s = body
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	opener, closer := s[start], byte('}')
	if opener == '[' {
		closer = ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func fenced(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	// Skip a language tag such as "json".
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func isStructPointer(v any) bool {
	t := reflect.TypeOf(v)
	return t != nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct
}

func operationName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "structured output"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return fmt.Sprintf("structured output %s", t)
	}
	return t.Name()
}
