// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package evaluate scores solutions with deterministic heuristics. No model
// call is involved: the same solution always gets the same score, which is
// what makes refinement runs replayable.
package evaluate

import (
	"regexp"
	"strings"
)

// =============================================================================
// STRUCTURAL PATTERNS
// =============================================================================

var (
	reComments      = regexp.MustCompile(`(?s)#.*|//.*|/\*.*?\*/`)
	reDocstrings    = regexp.MustCompile(`(?s)""".*?"""|'''.*?'''`)
	reErrorHandling = regexp.MustCompile(`(?s)try:|except:|catch\s*\(`)
	reTypeHints     = regexp.MustCompile(`(?s)def\s+\w+\s*\([^)]*:\s*\w+`)
	reImports       = regexp.MustCompile(`(?m)^import\s+|^from\s+`)
	reCitations     = regexp.MustCompile(`\[.*?\]|\(.*?\)|source|document|according`)
	reMarkdown      = regexp.MustCompile(`\*\*.*?\*\*|#+\s+`)
)

// qualityPatterns are the per-hit quality bumps for code solutions.
var qualityPatterns = []*regexp.Regexp{
	reComments,
	reDocstrings,
	reErrorHandling,
	reTypeHints,
}

// =============================================================================
// RESULT
// =============================================================================

// Result carries the component scores behind a total. Code solutions fill
// Correctness/Quality, prose answers fill Grounding/Clarity; Completeness
// and Total are always set. Every component lives in [0, 1].
type Result struct {
	Total        float64 `json:"total"`
	Correctness  float64 `json:"correctness,omitempty"`
	Quality      float64 `json:"quality,omitempty"`
	Grounding    float64 `json:"grounding,omitempty"`
	Clarity      float64 `json:"clarity,omitempty"`
	Completeness float64 `json:"completeness"`
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator scores solutions. The zero value is ready to use.
type Evaluator struct{}

// New returns an Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate scores a solution. Code tasks take the structural path; prose
// tasks are scored for grounding against the retrieved chunks.
func (e *Evaluator) Evaluate(solution string, isCode bool, chunks []string) Result {
	if isCode {
		return e.EvaluateCode(solution)
	}
	return e.EvaluateAnswer(solution, chunks)
}

// Score returns only the weighted total.
func (e *Evaluator) Score(solution string, isCode bool, chunks []string) float64 {
	return e.Evaluate(solution, isCode, chunks).Total
}

// EvaluateCode scores a code solution on structure heuristics. Everything
// starts at a 0.5 base; declarations, best-practice patterns, and imports
// earn bumps, and the total is a weighted average.
func (e *Evaluator) EvaluateCode(code string) Result {
	correctness := 0.5
	quality := 0.5
	completeness := 0.5

	if strings.Contains(code, "def ") || strings.Contains(code, "function ") || strings.Contains(code, "class ") {
		completeness += 0.2
	}

	for _, pat := range qualityPatterns {
		if pat.MatchString(code) {
			quality += 0.1
		}
	}
	if reImports.MatchString(code) {
		quality += 0.1
	}

	correctness = clamp(correctness)
	quality = clamp(quality)
	completeness = clamp(completeness)

	return Result{
		Correctness:  correctness,
		Quality:      quality,
		Completeness: completeness,
		Total:        correctness*0.4 + quality*0.3 + completeness*0.3,
	}
}

// EvaluateAnswer scores a prose answer. With no chunks there is nothing to
// ground against and every component stays at the 0.5 base. With chunks,
// grounding is the word-set overlap between answer and chunks (scaled up,
// capped), replaced rather than bumped: an answer sharing no vocabulary
// with its sources scores zero grounding regardless of the base.
func (e *Evaluator) EvaluateAnswer(answer string, chunks []string) Result {
	grounding := 0.5
	clarity := 0.5
	completeness := 0.5

	if len(chunks) == 0 {
		return Result{
			Grounding:    grounding,
			Clarity:      clarity,
			Completeness: completeness,
			Total:        grounding*0.5 + clarity*0.3 + completeness*0.2,
		}
	}

	answerLower := strings.ToLower(answer)
	chunkLower := strings.ToLower(strings.Join(chunks, " "))

	answerWords := wordSet(answerLower)
	chunkWords := wordSet(chunkLower)

	overlap := 0
	for w := range answerWords {
		if _, ok := chunkWords[w]; ok {
			overlap++
		}
	}
	totalUnique := len(answerWords)
	for w := range chunkWords {
		if _, ok := answerWords[w]; !ok {
			totalUnique++
		}
	}
	if totalUnique > 0 {
		grounding = clamp(float64(overlap) / float64(totalUnique) * 2)
	}

	if reCitations.MatchString(answerLower) {
		grounding += 0.2
	}

	if len(strings.Split(answer, "\n")) > 3 {
		clarity += 0.2
	}
	if reMarkdown.MatchString(answer) {
		clarity += 0.1
	}

	grounding = clamp(grounding)
	clarity = clamp(clarity)
	completeness = clamp(completeness)

	return Result{
		Grounding:    grounding,
		Clarity:      clarity,
		Completeness: completeness,
		Total:        grounding*0.5 + clarity*0.3 + completeness*0.2,
	}
}

// wordSet splits on whitespace into a set. Punctuation stays attached to
// its word; this is a vocabulary-overlap heuristic, not NLP.
func wordSet(s string) map[string]struct{} {
	words := strings.Fields(s)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}
