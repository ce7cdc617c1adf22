// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"fmt"

	"github.com/AP2611/Chakra-final/internal/stream"
)

// =============================================================================
// RUN PHASES
// =============================================================================

// Phase is a controller run's position in its lifecycle.
type Phase string

const (
	// PhaseIdle is the pre-run state.
	PhaseIdle Phase = "idle"
	// PhaseGenerating covers the Yantra call.
	PhaseGenerating Phase = "generating"
	// PhaseCritiquing covers the Sutra call.
	PhaseCritiquing Phase = "critiquing"
	// PhaseImproving covers the Agni call.
	PhaseImproving Phase = "improving"
	// PhaseScoring covers evaluation and the stop decision.
	PhaseScoring Phase = "scoring"
	// PhaseDone is the successful terminal state.
	PhaseDone Phase = "done"
	// PhaseFailed is the failing terminal state.
	PhaseFailed Phase = "failed"
)

// phaseTransitions is the allowed successor set per phase. Every
// non-terminal phase may fail (cancellation can hit anywhere); only
// scoring branches, either looping back to generating or finishing.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseGenerating, PhaseFailed},
	PhaseGenerating: {PhaseCritiquing, PhaseFailed},
	PhaseCritiquing: {PhaseImproving, PhaseFailed},
	PhaseImproving:  {PhaseScoring, PhaseFailed},
	PhaseScoring:    {PhaseGenerating, PhaseDone, PhaseFailed},
	PhaseDone:       {},
	PhaseFailed:     {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Phase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// =============================================================================
// RUN STATE
// =============================================================================

// RunState is the mutable state of one controller run. It is owned by
// exactly one run and never shared; a fresh RunState is built per request.
type RunState struct {
	Phase            Phase
	Iterations       []stream.IterationRecord
	BestScore        float64
	BestSolution     string
	CurrentIteration int
}

// NewRunState returns a run in the idle phase with no history.
func NewRunState() *RunState {
	return &RunState{Phase: PhaseIdle}
}

// Transition moves the run to a new phase, enforcing the transition table.
// An invalid move is a controller bug, never a data-dependent condition.
func (s *RunState) Transition(to Phase) error {
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("invalid phase transition %s -> %s", s.Phase, to)
	}
	s.Phase = to
	return nil
}

// Append records a finished iteration and refreshes the best solution.
// A tie keeps the earlier solution.
func (s *RunState) Append(rec stream.IterationRecord) {
	s.Iterations = append(s.Iterations, rec)
	if rec.Score > s.BestScore || len(s.Iterations) == 1 {
		s.BestScore = rec.Score
		s.BestSolution = rec.ImprovedOutput
	}
}

// =============================================================================
// RUN PARAMETERS
// =============================================================================

// MaxIterationsLimit caps how many refinement loops one request may ask
// for. Each loop is several model calls; an unbounded request would pin
// the model indefinitely.
const MaxIterationsLimit = 10

// Params are the per-run tuning knobs. Requests may override the
// configured defaults; Validate runs before the first event is emitted,
// so a bad request never produces a half-started stream.
type Params struct {
	// MaxIterations bounds the refinement loop.
	MaxIterations int

	// MinImprovement is the plateau threshold: an iteration improving the
	// best score by strictly less than this stops the run. An exactly
	// equal delta continues.
	MinImprovement float64

	// ScoreCeiling stops the run early once the best score reaches it.
	ScoreCeiling float64
}

// ParamError reports a single invalid parameter.
type ParamError struct {
	Field   string
	Message string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.MaxIterations < 1 || p.MaxIterations > MaxIterationsLimit {
		return &ParamError{
			Field:   "max_iterations",
			Message: fmt.Sprintf("must be between 1 and %d", MaxIterationsLimit),
		}
	}
	if p.MinImprovement < 0 || p.MinImprovement >= 1 {
		return &ParamError{
			Field:   "min_improvement_threshold",
			Message: "must be in [0, 1)",
		}
	}
	if p.ScoreCeiling <= 0 || p.ScoreCeiling > 1 {
		return &ParamError{
			Field:   "score_ceiling",
			Message: "must be in (0, 1]",
		}
	}
	return nil
}

// =============================================================================
// TASK AND RESULT
// =============================================================================

// Task is the immutable request a run refines. Built once per request and
// read-only afterwards.
type Task struct {
	// Task is the problem statement.
	Task string

	// Context is optional extra caller context for the prompt.
	Context string

	// IsCode selects the code scoring path and token ceilings.
	IsCode bool

	// UseMemory lets the run read past solutions and store good ones.
	UseMemory bool

	// UseRAG lets the run ground prompts in retrieved document chunks.
	UseRAG bool
}

// Result is what a finished run hands the blocking endpoint.
type Result struct {
	RunID           string                   `json:"-"`
	Task            string                   `json:"task"`
	FinalSolution   string                   `json:"final_solution"`
	FinalScore      float64                  `json:"final_score"`
	Iterations      []stream.IterationRecord `json:"iterations"`
	TotalIterations int                      `json:"total_iterations"`
	UsedRAG         bool                     `json:"used_rag"`
	RAGChunks       []string                 `json:"rag_chunks"`
}
