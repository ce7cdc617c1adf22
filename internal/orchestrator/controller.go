// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AP2611/Chakra-final/internal/agent"
	"github.com/AP2611/Chakra-final/internal/ollama"
	"github.com/AP2611/Chakra-final/internal/stream"
)

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Scorer evaluates a solution deterministically.
type Scorer interface {
	Score(solution string, isCode bool, chunks []string) float64
}

// MemoryStore reads past solutions into prompts and keeps good new ones.
type MemoryStore interface {
	RetrieveSimilar(ctx context.Context, task string, limit int) ([]string, error)
	Store(ctx context.Context, task, solution string, score float64) error
}

// Retriever fetches document chunks relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]string, error)
}

// Recorder persists run summaries for the analytics endpoints. Record is
// called fire-and-forget; failures are logged and never fail the run.
type Recorder interface {
	Record(ctx context.Context, run RunSummary) error
}

// RunSummary is the analytics view of a finished run.
type RunSummary struct {
	RunID        string
	Task         string
	IsCode       bool
	InitialScore float64
	FinalScore   float64
	Improvement  float64
	Iterations   []stream.IterationRecord
	Duration     time.Duration
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Defaults for the optional knobs.
const (
	// DefaultStoreThreshold is the best score a run must beat before its
	// solution is worth memorizing.
	DefaultStoreThreshold = 0.6
	// DefaultExampleLimit caps past solutions folded into the first prompt.
	DefaultExampleLimit = 3
	// DefaultRAGTopK caps retrieved document chunks per run.
	DefaultRAGTopK = 3
)

// Controller drives refinement runs. It is stateless across runs and safe
// for concurrent use: all per-run state lives in a RunState local to Run.
type Controller struct {
	yantra *agent.Yantra
	sutra  *agent.Sutra
	agni   *agent.Agni
	scorer Scorer

	memory   MemoryStore
	docs     Retriever
	recorder Recorder

	storeThreshold float64
	exampleLimit   int
	ragTopK        int
}

// NewController wires the required stages. Memory, retrieval, and
// analytics are optional and attach through the With* setters.
func NewController(yantra *agent.Yantra, sutra *agent.Sutra, agni *agent.Agni, scorer Scorer) (*Controller, error) {
	if yantra == nil {
		return nil, errors.New("orchestrator: generation stage is required")
	}
	if sutra == nil {
		return nil, errors.New("orchestrator: critique stage is required")
	}
	if agni == nil {
		return nil, errors.New("orchestrator: improvement stage is required")
	}
	if scorer == nil {
		return nil, errors.New("orchestrator: scorer is required")
	}
	return &Controller{
		yantra:         yantra,
		sutra:          sutra,
		agni:           agni,
		scorer:         scorer,
		storeThreshold: DefaultStoreThreshold,
		exampleLimit:   DefaultExampleLimit,
		ragTopK:        DefaultRAGTopK,
	}, nil
}

// WithMemory attaches the memory store.
func (c *Controller) WithMemory(m MemoryStore) *Controller {
	c.memory = m
	return c
}

// WithRetriever attaches the document retriever.
func (c *Controller) WithRetriever(r Retriever) *Controller {
	c.docs = r
	return c
}

// WithRecorder attaches the analytics recorder.
func (c *Controller) WithRecorder(r Recorder) *Controller {
	c.recorder = r
	return c
}

// WithStoreThreshold overrides the memorization gate.
func (c *Controller) WithStoreThreshold(v float64) *Controller {
	if v > 0 {
		c.storeThreshold = v
	}
	return c
}

// WithExampleLimit overrides how many past solutions the first prompt sees.
func (c *Controller) WithExampleLimit(n int) *Controller {
	if n > 0 {
		c.exampleLimit = n
	}
	return c
}

// WithRAGTopK overrides how many document chunks a run retrieves.
func (c *Controller) WithRAGTopK(k int) *Controller {
	if k > 0 {
		c.ragTopK = k
	}
	return c
}

// =============================================================================
// RUN
// =============================================================================

// Run executes one refinement run and emits its event sequence to emit.
//
// Event/state discipline: parameters are validated before the first event;
// the terminal event (complete or error) is the last one ever emitted; a
// cancelled run emits nothing after the cancellation is noticed. The
// returned error is nil exactly when a complete event was emitted.
func (c *Controller) Run(ctx context.Context, task Task, params Params, emit stream.Emitter) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if emit == nil {
		emit = stream.Discard
	}

	runID := uuid.NewString()
	started := time.Now()
	st := NewRunState()

	log.Printf("RUN_START | run=%s max_iterations=%d min_improvement=%.3f ceiling=%.2f is_code=%v use_memory=%v use_rag=%v",
		runID, params.MaxIterations, params.MinImprovement, params.ScoreCeiling,
		task.IsCode, task.UseMemory, task.UseRAG)

	if err := emit.Emit(ctx, stream.NewStart()); err != nil {
		return nil, c.cancelled(st, runID, err)
	}

	chunks := c.fetchChunks(ctx, task, runID)
	examples := c.fetchExamples(ctx, task, runID)

	for k := 1; k <= params.MaxIterations; k++ {
		if ctx.Err() != nil {
			return nil, c.cancelled(st, runID, ctx.Err())
		}
		st.CurrentIteration = k

		// ----- generate -----
		if err := st.Transition(PhaseGenerating); err != nil {
			return nil, c.invariant(runID, err)
		}
		var initial string
		var err error
		if k == 1 {
			// Only the first draft streams to the client. Later drafts
			// are buffered so no initial-phase token can ever follow an
			// improved-phase token.
			initial, err = c.generateStreaming(ctx, task, chunks, examples, emit)
		} else {
			initial, err = c.yantra.Generate(ctx, agent.GenerateInput{
				Task:    task.Task,
				Context: task.Context,
				IsCode:  task.IsCode,
				Chunks:  chunks,
			})
		}
		if err != nil {
			if isCancellation(ctx, err) {
				return nil, c.cancelled(st, runID, err)
			}
			return nil, c.fatal(ctx, st, emit, runID, err)
		}

		// ----- critique -----
		if err := st.Transition(PhaseCritiquing); err != nil {
			return nil, c.invariant(runID, err)
		}
		critique, err := c.sutra.Critique(ctx, task.Task, initial, task.IsCode, chunks)
		if err != nil {
			// Critique degrades internally; an error here is cancellation.
			return nil, c.cancelled(st, runID, err)
		}

		// ----- improve -----
		if err := st.Transition(PhaseImproving); err != nil {
			return nil, c.invariant(runID, err)
		}
		if err := emit.Emit(ctx, stream.NewPhaseTransition(stream.PhaseInitial, stream.PhaseImproved)); err != nil {
			return nil, c.cancelled(st, runID, err)
		}
		improved, degraded, err := c.improve(ctx, task, initial, critique, chunks, emit, runID, k)
		if err != nil {
			return nil, c.cancelled(st, runID, err)
		}

		// ----- score -----
		if err := st.Transition(PhaseScoring); err != nil {
			return nil, c.invariant(runID, err)
		}
		initialScore := c.scorer.Score(initial, task.IsCode, chunks)
		score := c.scorer.Score(improved, task.IsCode, chunks)
		improvement := score - st.BestScore
		if degraded {
			improvement = 0
		}

		rec := stream.IterationRecord{
			Index:          k,
			InitialOutput:  initial,
			Critique:       critique,
			ImprovedOutput: improved,
			Score:          score,
			Improvement:    improvement,
			InitialScore:   initialScore,
		}
		st.Append(rec)
		if err := emit.Emit(ctx, stream.NewIterationComplete(rec)); err != nil {
			return nil, c.cancelled(st, runID, err)
		}

		// ----- stop decision -----
		// Ceiling beats plateau beats the iteration cap; only the
		// plateau announces itself with an event.
		if score >= params.ScoreCeiling {
			log.Printf("RUN_CEILING | run=%s iteration=%d score=%.3f", runID, k, score)
			break
		}
		if improvement < params.MinImprovement {
			if err := emit.Emit(ctx, stream.NewPlateauReached()); err != nil {
				return nil, c.cancelled(st, runID, err)
			}
			log.Printf("RUN_PLATEAU | run=%s iteration=%d improvement=%.4f", runID, k, improvement)
			break
		}
	}

	if err := emit.Emit(ctx, stream.NewComplete(st.BestSolution, st.BestScore, len(st.Iterations))); err != nil {
		return nil, c.cancelled(st, runID, err)
	}
	if err := st.Transition(PhaseDone); err != nil {
		return nil, c.invariant(runID, err)
	}

	c.memorize(ctx, task, st, runID)
	c.record(ctx, task, st, runID, time.Since(started))

	log.Printf("RUN_COMPLETE | run=%s iterations=%d final_score=%.3f duration=%s",
		runID, len(st.Iterations), st.BestScore, time.Since(started).Round(time.Millisecond))

	return &Result{
		RunID:           runID,
		Task:            task.Task,
		FinalSolution:   st.BestSolution,
		FinalScore:      st.BestScore,
		Iterations:      st.Iterations,
		TotalIterations: len(st.Iterations),
		UsedRAG:         len(chunks) > 0,
		RAGChunks:       chunks,
	}, nil
}

// =============================================================================
// STAGE DRIVERS
// =============================================================================

// generateStreaming drains the first draft, emitting initial-phase tokens
// as they arrive. Any stream failure is fatal to the run.
func (c *Controller) generateStreaming(ctx context.Context, task Task, chunks, examples []string, emit stream.Emitter) (string, error) {
	iter, err := c.yantra.Stream(ctx, agent.GenerateInput{
		Task:     task.Task,
		Context:  task.Context,
		IsCode:   task.IsCode,
		Chunks:   chunks,
		Examples: examples,
	})
	if err != nil {
		return "", err
	}
	defer iter.Close()

	var b strings.Builder
	for iter.Next() {
		tok := iter.Token()
		b.WriteString(tok)
		if err := emit.Emit(ctx, stream.NewToken(stream.PhaseInitial, tok)); err != nil {
			return "", err
		}
	}
	if err := iter.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

// improve drains the rewrite stream, emitting improved-phase tokens. The
// stage degrades instead of failing the run: on any model error the
// partial rewrite is discarded and the initial solution stands unchanged.
// The returned error is non-nil only for cancellation.
func (c *Controller) improve(ctx context.Context, task Task, initial, critique string, chunks []string, emit stream.Emitter, runID string, iteration int) (string, bool, error) {
	iter, err := c.agni.Stream(ctx, task.Task, initial, critique, task.IsCode, chunks)
	if err != nil {
		if isCancellation(ctx, err) {
			return "", false, err
		}
		log.Printf("STAGE_DEGRADED | run=%s stage=improve iteration=%d reason=%v", runID, iteration, err)
		return initial, true, nil
	}
	defer iter.Close()

	emitted := 0
	var b strings.Builder
	for iter.Next() {
		tok := iter.Token()
		b.WriteString(tok)
		if err := emit.Emit(ctx, stream.NewToken(stream.PhaseImproved, tok)); err != nil {
			return "", false, err
		}
		emitted++
	}
	if err := iter.Err(); err != nil {
		if isCancellation(ctx, err) {
			return "", false, err
		}
		// The partial rewrite is stale; drop it rather than scoring it.
		log.Printf("STAGE_DEGRADED | run=%s stage=improve iteration=%d tokens=%d reason=%v", runID, iteration, emitted, err)
		return initial, true, nil
	}

	improved := strings.TrimSpace(b.String())
	if improved == "" {
		log.Printf("STAGE_DEGRADED | run=%s stage=improve iteration=%d reason=empty_output", runID, iteration)
		return initial, true, nil
	}
	return improved, false, nil
}

// =============================================================================
// COLLABORATOR CALLS
// =============================================================================

// fetchChunks retrieves document context. Retrieval failures degrade to an
// ungrounded run.
func (c *Controller) fetchChunks(ctx context.Context, task Task, runID string) []string {
	if !task.UseRAG || c.docs == nil {
		return nil
	}
	chunks, err := c.docs.Retrieve(ctx, task.Task, c.ragTopK)
	if err != nil {
		log.Printf("STAGE_DEGRADED | run=%s stage=retrieval reason=%v", runID, err)
		return nil
	}
	return chunks
}

// fetchExamples pulls similar past solutions for the first prompt. Memory
// failures degrade to no examples.
func (c *Controller) fetchExamples(ctx context.Context, task Task, runID string) []string {
	if !task.UseMemory || c.memory == nil {
		return nil
	}
	examples, err := c.memory.RetrieveSimilar(ctx, task.Task, c.exampleLimit)
	if err != nil {
		log.Printf("STAGE_DEGRADED | run=%s stage=memory reason=%v", runID, err)
		return nil
	}
	return examples
}

// memorize stores the best solution when it clears the threshold.
func (c *Controller) memorize(ctx context.Context, task Task, st *RunState, runID string) {
	if !task.UseMemory || c.memory == nil || st.BestScore <= c.storeThreshold {
		return
	}
	if err := c.memory.Store(ctx, task.Task, st.BestSolution, st.BestScore); err != nil {
		log.Printf("MEMORY_STORE | run=%s ok=false error=%v", runID, err)
		return
	}
	log.Printf("MEMORY_STORE | run=%s ok=true score=%.3f", runID, st.BestScore)
}

// record hands the finished run to analytics without blocking the caller.
// The write outlives the request context but not by much.
func (c *Controller) record(ctx context.Context, task Task, st *RunState, runID string, dur time.Duration) {
	if c.recorder == nil || len(st.Iterations) == 0 {
		return
	}
	first := st.Iterations[0]
	sum := RunSummary{
		RunID:        runID,
		Task:         task.Task,
		IsCode:       task.IsCode,
		InitialScore: first.InitialScore,
		FinalScore:   st.BestScore,
		Improvement:  st.BestScore - first.InitialScore,
		Iterations:   append([]stream.IterationRecord(nil), st.Iterations...),
		Duration:     dur,
	}

	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.recorder.Record(rctx, sum); err != nil {
			log.Printf("ANALYTICS_ERROR | run=%s error=%v", runID, err)
		}
	}()
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

// fatal ends the run with its single error event.
func (c *Controller) fatal(ctx context.Context, st *RunState, emit stream.Emitter, runID string, err error) error {
	kind := stream.KindModelProtocolError
	if ollama.IsUnavailable(err) {
		kind = stream.KindModelUnavailable
	}
	_ = st.Transition(PhaseFailed)
	log.Printf("RUN_FAILED | run=%s kind=%s error=%v", runID, kind, err)
	_ = emit.Emit(ctx, stream.NewError(kind, err.Error()))
	return err
}

// cancelled ends the run silently: no further events, state failed.
func (c *Controller) cancelled(st *RunState, runID string, err error) error {
	if !st.Phase.Terminal() {
		_ = st.Transition(PhaseFailed)
	}
	log.Printf("RUN_CANCELLED | run=%s reason=%v", runID, err)
	return err
}

// invariant reports a broken phase-transition invariant. Unreachable
// unless the controller itself is wrong, so it gets no wire event.
func (c *Controller) invariant(runID string, err error) error {
	log.Printf("INVARIANT_VIOLATION | run=%s error=%v", runID, err)
	return err
}

// isCancellation tells a torn-down run from a model failure.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
