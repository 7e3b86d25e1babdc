// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"regexp"
	"strings"
)

// Keyword-based model selection for LLM requests submitted with
// model "auto" (or no model at all). The classifier inspects the prompt
// and picks a specialist model tier; the chosen model participates in the
// request fingerprint so equivalent prompts keep hitting the same cache
// entries.

var taskPatterns = map[string][]*regexp.Regexp{
	"code": compilePatterns(
		`\bcode\b`, `\bprogram\b`, `\bfunction\b`, `\bdebug\b`, `\bimplement\b`,
		`\bclass\s+\w+`, `\bdef\s+\w+`, `\bfunc\s+\w+`, `\bimport\s+\w+`,
		`\bvar\s+\w+`, `\bconst\s+\w+`, `#include`,
	),
	"math": compilePatterns(
		`\bmath\b`, `\bcalculat`, `\bequation\b`, `\bformula\b`, `\bderivative\b`,
		`\bintegral\b`, `\bmatrix\b`, `\bstatistics\b`, `\d+\s*[+\-*/]\s*\d+`,
	),
	"creative": compilePatterns(
		`\bstory\b`, `\bnovel\b`, `\bcreative\b`, `\bcharacter\b`, `\bplot\b`,
		`\bfiction\b`, `\bnarrative\b`, `\bpoem\b`, `\bpoetry\b`,
	),
}

// taskModels maps a classified task to the model identifier requested from
// the LLM backend.
var taskModels = map[string]string{
	"code":     "code-specialist",
	"math":     "reasoning",
	"creative": "creative",
}

func compilePatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// SelectModel classifies the prompt and returns the model to request.
// Prompts matching no specialist pattern use the default model.
func SelectModel(prompt string) string {
	lower := strings.ToLower(prompt)

	bestTask := ""
	bestScore := 0
	for task, patterns := range taskPatterns {
		score := 0
		for _, p := range patterns {
			if p.MatchString(lower) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && task < bestTask) {
			bestTask, bestScore = task, score
		}
	}
	if bestScore == 0 {
		return defaultModel
	}
	return taskModels[bestTask]
}
