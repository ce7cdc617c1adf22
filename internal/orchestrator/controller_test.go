// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AP2611/Chakra-final/internal/agent"
	"github.com/AP2611/Chakra-final/internal/ollama"
	"github.com/AP2611/Chakra-final/internal/stream"
)

// =============================================================================
// SCRIPTED FAKES
// =============================================================================

// scriptIter replays a fixed token slice, then ends with finalErr (nil for
// a clean end). With block set it parks on ctx after the tokens, the shape
// of a stalled model call.
type scriptIter struct {
	ctx      context.Context
	tokens   []string
	pos      int
	finalErr error
	block    bool

	err    error
	closed bool
}

func (it *scriptIter) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos < len(it.tokens) {
		it.pos++
		return true
	}
	if it.block {
		<-it.ctx.Done()
		it.err = context.Canceled
		return false
	}
	it.err = it.finalErr
	return false
}

func (it *scriptIter) Token() string { return it.tokens[it.pos-1] }
func (it *scriptIter) Err() error    { return it.err }
func (it *scriptIter) Close() error  { it.closed = true; return nil }

type chatScript struct {
	out string
	err error
}

type streamScript struct {
	tokens   []string
	iterErr  error
	startErr error
	block    bool
}

// scriptModel serves queued responses in call order. The controller is
// strictly sequential, so a flat queue per method is unambiguous:
// iteration one consumes stream (generate), chat (critique), stream
// (improve); later iterations consume chat, chat, stream.
type scriptModel struct {
	chats   []chatScript
	streams []streamScript

	chatReqs   []ollama.ChatRequest
	streamReqs []ollama.ChatRequest
	iters      []*scriptIter
}

func (m *scriptModel) Chat(ctx context.Context, req ollama.ChatRequest) (string, error) {
	m.chatReqs = append(m.chatReqs, req)
	if len(m.chats) == 0 {
		return "", errors.New("unscripted chat call")
	}
	s := m.chats[0]
	m.chats = m.chats[1:]
	return s.out, s.err
}

func (m *scriptModel) ChatStream(ctx context.Context, req ollama.ChatRequest) (ollama.TokenIterator, error) {
	m.streamReqs = append(m.streamReqs, req)
	if len(m.streams) == 0 {
		return nil, errors.New("unscripted stream call")
	}
	s := m.streams[0]
	m.streams = m.streams[1:]
	if s.startErr != nil {
		return nil, s.startErr
	}
	it := &scriptIter{ctx: ctx, tokens: s.tokens, finalErr: s.iterErr, block: s.block}
	m.iters = append(m.iters, it)
	return it, nil
}

// scriptScorer maps solutions to fixed scores. Unknown text scores zero.
type scriptScorer struct {
	scores     map[string]float64
	lastChunks []string
}

func (s *scriptScorer) Score(solution string, isCode bool, chunks []string) float64 {
	s.lastChunks = chunks
	return s.scores[solution]
}

type storeCall struct {
	task     string
	solution string
	score    float64
}

type fakeMemory struct {
	examples    []string
	retrieveErr error
	storeErr    error

	retrieveCalls int
	stored        []storeCall
}

func (m *fakeMemory) RetrieveSimilar(ctx context.Context, task string, limit int) ([]string, error) {
	m.retrieveCalls++
	if m.retrieveErr != nil {
		return nil, m.retrieveErr
	}
	if limit < len(m.examples) {
		return m.examples[:limit], nil
	}
	return m.examples, nil
}

func (m *fakeMemory) Store(ctx context.Context, task, solution string, score float64) error {
	m.stored = append(m.stored, storeCall{task, solution, score})
	return m.storeErr
}

type fakeRetriever struct {
	chunks []string
	err    error

	queries []string
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	r.queries = append(r.queries, query)
	if r.err != nil {
		return nil, r.err
	}
	if topK < len(r.chunks) {
		return r.chunks[:topK], nil
	}
	return r.chunks, nil
}

type fakeRecorder struct {
	ch chan RunSummary
}

func (r *fakeRecorder) Record(ctx context.Context, run RunSummary) error {
	r.ch <- run
	return nil
}

// =============================================================================
// HARNESS
// =============================================================================

func newTestController(t *testing.T, model agent.Model, scorer Scorer) *Controller {
	t.Helper()
	yantra, err := agent.NewYantra(model, true)
	if err != nil {
		t.Fatalf("NewYantra: %v", err)
	}
	sutra, err := agent.NewSutra(model, true)
	if err != nil {
		t.Fatalf("NewSutra: %v", err)
	}
	agni, err := agent.NewAgni(model, true)
	if err != nil {
		t.Fatalf("NewAgni: %v", err)
	}
	ctrl, err := NewController(yantra, sutra, agni, scorer)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return ctrl
}

// collectRun drives a run to its end and returns every emitted event.
func collectRun(ctx context.Context, ctrl *Controller, task Task, params Params) ([]stream.Event, *Result, error) {
	sink := stream.NewSink(0)
	var (
		res *Result
		err error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sink.Close()
		res, err = ctrl.Run(ctx, task, params, sink)
	}()
	var events []stream.Event
	for ev := range sink.Events() {
		events = append(events, ev)
	}
	<-done
	return events, res, err
}

func eventTypes(events []stream.Event) []stream.Type {
	types := make([]stream.Type, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func wantSequence(t *testing.T, events []stream.Event, want ...stream.Type) {
	t.Helper()
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (sequence %v)", i, got[i], want[i], got)
		}
	}
}

// assertPhaseOrder fails if any initial-phase token arrives after an
// improved-phase token. Consumers rely on this to split the two outputs
// without buffering.
func assertPhaseOrder(t *testing.T, events []stream.Event) {
	t.Helper()
	seenImproved := false
	for i, ev := range events {
		if ev.Type != stream.TypeToken {
			continue
		}
		switch ev.Phase {
		case stream.PhaseImproved:
			seenImproved = true
		case stream.PhaseInitial:
			if seenImproved {
				t.Fatalf("event[%d]: initial token %q after improved tokens", i, ev.Token)
			}
		}
	}
}

func terminalOf(events []stream.Event) (stream.Event, bool) {
	for _, ev := range events {
		if ev.Terminal() {
			return ev, true
		}
	}
	return stream.Event{}, false
}

// twoIterationModel scripts a clean run: both iterations generate,
// critique, and improve without failures.
func twoIterationModel() *scriptModel {
	return &scriptModel{
		streams: []streamScript{
			{tokens: []string{"draft", " one"}},
			{tokens: []string{"better", " one"}},
			{tokens: []string{"better", " two"}},
		},
		chats: []chatScript{
			{out: "critique one"},
			{out: "draft two"},
			{out: "critique two"},
		},
	}
}

// Scores are dyadic so float comparisons stay exact.
func twoIterationScores() *scriptScorer {
	return &scriptScorer{scores: map[string]float64{
		"draft one":  0.5,
		"better one": 0.625,
		"draft two":  0.5,
		"better two": 0.75,
	}}
}

func defaultParams() Params {
	return Params{MaxIterations: 2, MinImprovement: 0.05, ScoreCeiling: 0.95}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestRunTwoIterationLifecycle(t *testing.T) {
	model := twoIterationModel()
	ctrl := newTestController(t, model, twoIterationScores())

	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "solve it"}, defaultParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantSequence(t, events,
		stream.TypeStart,
		stream.TypeToken, stream.TypeToken,
		stream.TypePhaseTransition,
		stream.TypeToken, stream.TypeToken,
		stream.TypeIterationComplete,
		stream.TypePhaseTransition,
		stream.TypeToken, stream.TypeToken,
		stream.TypeIterationComplete,
		stream.TypeComplete,
	)
	assertPhaseOrder(t, events)

	for i, want := range []stream.Phase{stream.PhaseInitial, stream.PhaseInitial} {
		if events[1+i].Phase != want {
			t.Errorf("token[%d] phase = %s, want %s", i, events[1+i].Phase, want)
		}
	}
	for _, i := range []int{4, 5, 8, 9} {
		if events[i].Phase != stream.PhaseImproved {
			t.Errorf("event[%d] phase = %s, want %s", i, events[i].Phase, stream.PhaseImproved)
		}
	}

	first := events[6].Record
	want1 := stream.IterationRecord{
		Index:          1,
		InitialOutput:  "draft one",
		Critique:       "critique one",
		ImprovedOutput: "better one",
		Score:          0.625,
		Improvement:    0.625,
		InitialScore:   0.5,
	}
	if first == nil || *first != want1 {
		t.Errorf("iteration 1 record = %+v, want %+v", first, want1)
	}

	second := events[10].Record
	want2 := stream.IterationRecord{
		Index:          2,
		InitialOutput:  "draft two",
		Critique:       "critique two",
		ImprovedOutput: "better two",
		Score:          0.75,
		Improvement:    0.125,
		InitialScore:   0.5,
	}
	if second == nil || *second != want2 {
		t.Errorf("iteration 2 record = %+v, want %+v", second, want2)
	}

	final := events[len(events)-1]
	if final.FinalSolution != "better two" || final.FinalScore != 0.75 || final.TotalIterations != 2 {
		t.Errorf("complete = (%q, %v, %d), want (\"better two\", 0.75, 2)",
			final.FinalSolution, final.FinalScore, final.TotalIterations)
	}

	if res.FinalSolution != "better two" || res.FinalScore != 0.75 || res.TotalIterations != 2 {
		t.Errorf("result = (%q, %v, %d), want (\"better two\", 0.75, 2)",
			res.FinalSolution, res.FinalScore, res.TotalIterations)
	}
	if res.UsedRAG || len(res.RAGChunks) != 0 {
		t.Errorf("result RAG fields = (%v, %v), want (false, empty)", res.UsedRAG, res.RAGChunks)
	}
	if res.RunID == "" {
		t.Error("result RunID is empty")
	}
	if len(res.Iterations) != 2 {
		t.Errorf("len(result.Iterations) = %d, want 2", len(res.Iterations))
	}
}

func TestRunBuffersLaterDrafts(t *testing.T) {
	model := twoIterationModel()
	ctrl := newTestController(t, model, twoIterationScores())

	events, _, err := collectRun(context.Background(), ctrl, Task{Task: "solve it"}, defaultParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Exactly one generation streams; the second draft goes through Chat.
	if len(model.streamReqs) != 3 {
		t.Fatalf("stream calls = %d, want 3 (generate, improve, improve)", len(model.streamReqs))
	}
	if len(model.chatReqs) != 3 {
		t.Fatalf("chat calls = %d, want 3 (critique, generate, critique)", len(model.chatReqs))
	}
	if got := model.chatReqs[1].Prompt; !strings.HasPrefix(got, "Task: ") {
		t.Errorf("second draft went through prompt %q, want a generation prompt", got)
	}

	initialTokens := 0
	for _, ev := range events {
		if ev.Type == stream.TypeToken && ev.Phase == stream.PhaseInitial {
			initialTokens++
		}
	}
	if initialTokens != 2 {
		t.Errorf("initial-phase tokens = %d, want 2 (first draft only)", initialTokens)
	}
}

func TestRunStopsAtScoreCeiling(t *testing.T) {
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"rough"}},
			{tokens: []string{"polished"}},
		},
		chats: []chatScript{{out: "nitpicks"}},
	}
	scorer := &scriptScorer{scores: map[string]float64{"rough": 0.5, "polished": 0.96}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 3, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "polish"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantSequence(t, events,
		stream.TypeStart,
		stream.TypeToken,
		stream.TypePhaseTransition,
		stream.TypeToken,
		stream.TypeIterationComplete,
		stream.TypeComplete,
	)
	if res.TotalIterations != 1 {
		t.Errorf("TotalIterations = %d, want 1", res.TotalIterations)
	}
	if res.FinalScore != 0.96 {
		t.Errorf("FinalScore = %v, want 0.96", res.FinalScore)
	}
}

func TestRunPlateauStopsRun(t *testing.T) {
	model := twoIterationModel()
	scorer := &scriptScorer{scores: map[string]float64{
		"draft one":  0.25,
		"better one": 0.5,
		"draft two":  0.25,
		"better two": 0.53125,
	}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 3, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "refine"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The second iteration gains only 0.03125, under the threshold, so the
	// plateau marker lands between its summary and the terminal event.
	types := eventTypes(events)
	n := len(types)
	if n < 3 || types[n-1] != stream.TypeComplete || types[n-2] != stream.TypePlateauReached || types[n-3] != stream.TypeIterationComplete {
		t.Fatalf("tail of sequence = %v, want [..., iteration_complete, plateau_reached, complete]", types)
	}
	if res.TotalIterations != 2 {
		t.Errorf("TotalIterations = %d, want 2", res.TotalIterations)
	}
	if res.FinalScore != 0.53125 || res.FinalSolution != "better two" {
		t.Errorf("final = (%q, %v), want (\"better two\", 0.53125)", res.FinalSolution, res.FinalScore)
	}
}

func TestRunPlateauOnRegression(t *testing.T) {
	model := twoIterationModel()
	scorer := &scriptScorer{scores: map[string]float64{
		"draft one":  0.25,
		"better one": 0.5,
		"draft two":  0.25,
		"better two": 0.375,
	}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 3, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "refine"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	term, ok := terminalOf(events)
	if !ok || term.Type != stream.TypeComplete {
		t.Fatalf("terminal event = %+v, want complete", term)
	}
	// A regression plateaus, and the best earlier solution wins.
	if res.FinalSolution != "better one" || res.FinalScore != 0.5 {
		t.Errorf("final = (%q, %v), want (\"better one\", 0.5)", res.FinalSolution, res.FinalScore)
	}
	if res.TotalIterations != 2 {
		t.Errorf("TotalIterations = %d, want 2", res.TotalIterations)
	}
}

func TestRunHonorsIterationCap(t *testing.T) {
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"only"}},
			{tokens: []string{"once"}},
		},
		chats: []chatScript{{out: "critique"}},
	}
	scorer := &scriptScorer{scores: map[string]float64{"only": 0.25, "once": 0.5}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 1, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "quick"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Stopping at the cap is silent: no plateau marker.
	for _, ev := range events {
		if ev.Type == stream.TypePlateauReached {
			t.Error("cap stop emitted plateau_reached")
		}
	}
	if res.TotalIterations != 1 {
		t.Errorf("TotalIterations = %d, want 1", res.TotalIterations)
	}
}

func TestRunClosesTokenStreams(t *testing.T) {
	model := twoIterationModel()
	ctrl := newTestController(t, model, twoIterationScores())

	if _, _, err := collectRun(context.Background(), ctrl, Task{Task: "solve it"}, defaultParams()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, it := range model.iters {
		if !it.closed {
			t.Errorf("stream %d not closed", i)
		}
	}
}

func TestRunEventReplayIsDeterministic(t *testing.T) {
	run := func() []byte {
		ctrl := newTestController(t, twoIterationModel(), twoIterationScores())
		events, _, err := collectRun(context.Background(), ctrl, Task{Task: "solve it"}, defaultParams())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		var buf bytes.Buffer
		for _, ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			buf.Write(b)
			buf.WriteByte('\n')
		}
		return buf.Bytes()
	}

	first := run()
	second := run()
	if !bytes.Equal(first, second) {
		t.Errorf("replay differs:\n%s\n---\n%s", first, second)
	}
}

// =============================================================================
// DEGRADATION
// =============================================================================

func TestRunImproveDegradesToInitialSolution(t *testing.T) {
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"switch", " it"}},
			{startErr: ollama.ErrTimeout},
		},
		chats: []chatScript{{out: "too slow"}},
	}
	scorer := &scriptScorer{scores: map[string]float64{"switch it": 0.5}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 3, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "flip"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The failed rewrite keeps the draft, pins improvement to zero, and the
	// zero improvement plateaus the run. No error event anywhere.
	wantSequence(t, events,
		stream.TypeStart,
		stream.TypeToken, stream.TypeToken,
		stream.TypePhaseTransition,
		stream.TypeIterationComplete,
		stream.TypePlateauReached,
		stream.TypeComplete,
	)
	rec := events[4].Record
	if rec == nil {
		t.Fatal("iteration_complete event without record")
	}
	if rec.ImprovedOutput != rec.InitialOutput {
		t.Errorf("degraded iteration outputs differ: %q vs %q", rec.ImprovedOutput, rec.InitialOutput)
	}
	if rec.Improvement != 0 {
		t.Errorf("degraded iteration improvement = %v, want 0", rec.Improvement)
	}
	if res.FinalSolution != "switch it" || res.FinalScore != 0.5 || res.TotalIterations != 1 {
		t.Errorf("result = (%q, %v, %d), want (\"switch it\", 0.5, 1)",
			res.FinalSolution, res.FinalScore, res.TotalIterations)
	}
}

func TestRunImproveDegradesMidStream(t *testing.T) {
	protocolErr := &ollama.ClientError{Type: ollama.ErrTypeProtocol, Message: "malformed chunk"}
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"full draft"}},
			{tokens: []string{"half", " way"}, iterErr: protocolErr},
		},
		chats: []chatScript{{out: "critique"}},
	}
	scorer := &scriptScorer{scores: map[string]float64{"full draft": 0.5, "half way": 0.75}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 3, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "draft"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The partial rewrite was already on the wire but must not be scored.
	improvedTokens := 0
	for _, ev := range events {
		if ev.Type == stream.TypeToken && ev.Phase == stream.PhaseImproved {
			improvedTokens++
		}
	}
	if improvedTokens != 2 {
		t.Errorf("improved tokens on wire = %d, want 2", improvedTokens)
	}
	term, ok := terminalOf(events)
	if !ok || term.Type != stream.TypeComplete {
		t.Fatalf("terminal event = %+v, want complete", term)
	}
	if res.FinalSolution != "full draft" || res.FinalScore != 0.5 {
		t.Errorf("final = (%q, %v), want the undamaged draft at 0.5", res.FinalSolution, res.FinalScore)
	}
}

func TestRunImproveDegradesOnEmptyOutput(t *testing.T) {
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"keep me"}},
			{tokens: []string{"  ", "\n"}},
		},
		chats: []chatScript{{out: "critique"}},
	}
	scorer := &scriptScorer{scores: map[string]float64{"keep me": 0.5}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 3, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "hold"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	term, _ := terminalOf(events)
	if term.Type != stream.TypeComplete {
		t.Fatalf("terminal event = %s, want complete", term.Type)
	}
	if res.FinalSolution != "keep me" {
		t.Errorf("FinalSolution = %q, want %q", res.FinalSolution, "keep me")
	}
}

func TestRunCritiqueFailureDegrades(t *testing.T) {
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"draft"}},
			{tokens: []string{"final"}},
		},
		chats: []chatScript{{err: ollama.ErrNotRunning}},
	}
	scorer := &scriptScorer{scores: map[string]float64{"draft": 0.25, "final": 0.5}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 1, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "go"}, params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	term, _ := terminalOf(events)
	if term.Type != stream.TypeComplete {
		t.Fatalf("terminal event = %s, want complete", term.Type)
	}
	if res.Iterations[0].Critique != agent.FallbackCritique {
		t.Errorf("critique = %q, want fallback %q", res.Iterations[0].Critique, agent.FallbackCritique)
	}
}

// =============================================================================
// FAILURES
// =============================================================================

func TestRunGenerationFailureEmitsUnavailable(t *testing.T) {
	model := &scriptModel{
		streams: []streamScript{{startErr: ollama.ErrNotRunning}},
	}
	ctrl := newTestController(t, model, &scriptScorer{})

	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "doomed"}, defaultParams())
	if !errors.Is(err, ollama.ErrNotRunning) {
		t.Fatalf("Run error = %v, want ErrNotRunning", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}

	wantSequence(t, events, stream.TypeStart, stream.TypeError)
	last := events[len(events)-1]
	if last.Kind != stream.KindModelUnavailable {
		t.Errorf("error kind = %s, want %s", last.Kind, stream.KindModelUnavailable)
	}
	if !strings.Contains(last.Message, "ollama is not running") {
		t.Errorf("error message = %q, want the not-running hint", last.Message)
	}
}

func TestRunGenerationProtocolFailureKind(t *testing.T) {
	protocolErr := &ollama.ClientError{Type: ollama.ErrTypeProtocol, Message: "undecodable response"}
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"good start"}},
			{tokens: []string{"improved start"}},
		},
		chats: []chatScript{
			{out: "critique"},
			{err: protocolErr}, // second draft fails
		},
	}
	scorer := &scriptScorer{scores: map[string]float64{"good start": 0.25, "improved start": 0.5}}
	ctrl := newTestController(t, model, scorer)

	params := Params{MaxIterations: 3, MinImprovement: 0.05, ScoreCeiling: 0.95}
	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "go"}, params)
	if !ollama.IsProtocol(err) {
		t.Fatalf("Run error = %v, want protocol error", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}

	term, ok := terminalOf(events)
	if !ok || term.Type != stream.TypeError {
		t.Fatalf("terminal event = %+v, want error", term)
	}
	if term.Kind != stream.KindModelProtocolError {
		t.Errorf("error kind = %s, want %s", term.Kind, stream.KindModelProtocolError)
	}
	if events[len(events)-1] != term {
		t.Error("events continued after the terminal error")
	}
}

func TestRunRejectsInvalidParams(t *testing.T) {
	model := &scriptModel{}
	ctrl := newTestController(t, model, &scriptScorer{})

	events, res, err := collectRun(context.Background(), ctrl, Task{Task: "x"},
		Params{MaxIterations: 0, MinImprovement: 0.05, ScoreCeiling: 0.95})

	var pe *ParamError
	if !errors.As(err, &pe) {
		t.Fatalf("Run error = %v, want *ParamError", err)
	}
	if len(events) != 0 {
		t.Errorf("events before validation failure = %v, want none", eventTypes(events))
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if len(model.chatReqs)+len(model.streamReqs) != 0 {
		t.Error("model was called despite invalid params")
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestRunCancelMidStream(t *testing.T) {
	model := &scriptModel{
		streams: []streamScript{
			{tokens: []string{"first"}},
			{tokens: []string{"slow", " going"}, block: true},
		},
		chats: []chatScript{{out: "critique"}},
	}
	ctrl := newTestController(t, model, &scriptScorer{scores: map[string]float64{"first": 0.5}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := stream.NewSink(0)
	var (
		res    *Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sink.Close()
		res, runErr = ctrl.Run(ctx, Task{Task: "long haul"}, defaultParams(), sink)
	}()

	improved := 0
	var events []stream.Event
	for ev := range sink.Events() {
		events = append(events, ev)
		if ev.Type == stream.TypeToken && ev.Phase == stream.PhaseImproved {
			improved++
			if improved == 2 {
				cancel()
			}
		}
	}
	<-done

	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", runErr)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if _, ok := terminalOf(events); ok {
		t.Errorf("cancelled run emitted a terminal event: %v", eventTypes(events))
	}
	for _, ev := range events {
		if ev.Type == stream.TypeIterationComplete {
			t.Error("cancelled run emitted iteration_complete")
		}
	}
}

func TestRunCancelledContextStopsEarly(t *testing.T) {
	model := twoIterationModel()
	ctrl := newTestController(t, model, twoIterationScores())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, res, err := collectRun(ctx, ctrl, Task{Task: "never"}, defaultParams())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if _, ok := terminalOf(events); ok {
		t.Errorf("cancelled run emitted a terminal event: %v", eventTypes(events))
	}
}

// =============================================================================
// MEMORY
// =============================================================================

func TestRunFoldsExamplesIntoFirstPrompt(t *testing.T) {
	model := twoIterationModel()
	mem := &fakeMemory{examples: []string{"past one", "past two"}}
	ctrl := newTestController(t, model, twoIterationScores()).WithMemory(mem)

	task := Task{Task: "solve it", UseMemory: true}
	if _, _, err := collectRun(context.Background(), ctrl, task, defaultParams()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if mem.retrieveCalls != 1 {
		t.Fatalf("RetrieveSimilar calls = %d, want 1", mem.retrieveCalls)
	}
	first := model.streamReqs[0].Prompt
	if !strings.Contains(first, "Successful Past Solutions") {
		t.Errorf("first prompt missing examples section:\n%s", first)
	}
	if !strings.Contains(first, "[Example 1]\npast one") || !strings.Contains(first, "[Example 2]\npast two") {
		t.Errorf("first prompt missing example bodies:\n%s", first)
	}
	// Later drafts start fresh from the task alone.
	if second := model.chatReqs[1].Prompt; strings.Contains(second, "Example") {
		t.Errorf("second draft prompt carries examples:\n%s", second)
	}
}

func TestRunStoreGate(t *testing.T) {
	tests := []struct {
		name      string
		useMemory bool
		scores    map[string]float64
		wantStore bool
		wantScore float64
	}{
		{
			name:      "above threshold stores",
			useMemory: true,
			scores:    twoIterationScores().scores,
			wantStore: true,
			wantScore: 0.75,
		},
		{
			name:      "at or below threshold skips",
			useMemory: true,
			scores: map[string]float64{
				"draft one": 0.25, "better one": 0.5,
				"draft two": 0.25, "better two": 0.59375,
			},
			wantStore: false,
		},
		{
			name:      "memory disabled skips",
			useMemory: false,
			scores:    twoIterationScores().scores,
			wantStore: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := twoIterationModel()
			mem := &fakeMemory{}
			ctrl := newTestController(t, model, &scriptScorer{scores: tt.scores}).WithMemory(mem)

			task := Task{Task: "solve it", UseMemory: tt.useMemory}
			_, res, err := collectRun(context.Background(), ctrl, task, defaultParams())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			if !tt.wantStore {
				if len(mem.stored) != 0 {
					t.Errorf("stored %d solutions, want none", len(mem.stored))
				}
				return
			}
			if len(mem.stored) != 1 {
				t.Fatalf("stored %d solutions, want 1", len(mem.stored))
			}
			got := mem.stored[0]
			if got.task != "solve it" || got.solution != res.FinalSolution || got.score != tt.wantScore {
				t.Errorf("stored = %+v, want (solve it, %q, %v)", got, res.FinalSolution, tt.wantScore)
			}
		})
	}
}

func TestRunMemoryFailureDegrades(t *testing.T) {
	model := twoIterationModel()
	mem := &fakeMemory{retrieveErr: errors.New("db locked")}
	ctrl := newTestController(t, model, twoIterationScores()).WithMemory(mem)

	task := Task{Task: "solve it", UseMemory: true}
	events, _, err := collectRun(context.Background(), ctrl, task, defaultParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if term, _ := terminalOf(events); term.Type != stream.TypeComplete {
		t.Fatalf("terminal event = %s, want complete", term.Type)
	}
	if strings.Contains(model.streamReqs[0].Prompt, "Example") {
		t.Error("prompt carries examples despite retrieval failure")
	}
}

// =============================================================================
// RETRIEVAL
// =============================================================================

func TestRunGroundsPromptsInRetrievedChunks(t *testing.T) {
	model := twoIterationModel()
	docs := &fakeRetriever{chunks: []string{"alpha beta", "gamma delta"}}
	scorer := twoIterationScores()
	ctrl := newTestController(t, model, scorer).WithRetriever(docs)

	task := Task{Task: "summarize", UseRAG: true}
	_, res, err := collectRun(context.Background(), ctrl, task, defaultParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(docs.queries) != 1 || docs.queries[0] != "summarize" {
		t.Fatalf("retriever queries = %v, want [summarize]", docs.queries)
	}

	genPrompt := model.streamReqs[0].Prompt
	if !strings.Contains(genPrompt, "Relevant Document Context") || !strings.Contains(genPrompt, "[Chunk 1]\nalpha beta") {
		t.Errorf("generation prompt missing chunks:\n%s", genPrompt)
	}
	critiquePrompt := model.chatReqs[0].Prompt
	if !strings.Contains(critiquePrompt, "Document Context (for verification)") {
		t.Errorf("critique prompt missing verification section:\n%s", critiquePrompt)
	}
	improvePrompt := model.streamReqs[1].Prompt
	if !strings.Contains(improvePrompt, "Document Context") {
		t.Errorf("improve prompt missing chunks:\n%s", improvePrompt)
	}

	if len(scorer.lastChunks) != 2 {
		t.Errorf("scorer chunks = %v, want both chunks", scorer.lastChunks)
	}
	if !res.UsedRAG {
		t.Error("UsedRAG = false, want true")
	}
	if len(res.RAGChunks) != 2 || res.RAGChunks[0] != "alpha beta" {
		t.Errorf("RAGChunks = %v, want the retrieved chunks", res.RAGChunks)
	}
}

func TestRunRetrievalFailureDegrades(t *testing.T) {
	model := twoIterationModel()
	docs := &fakeRetriever{err: errors.New("index missing")}
	ctrl := newTestController(t, model, twoIterationScores()).WithRetriever(docs)

	task := Task{Task: "summarize", UseRAG: true}
	events, res, err := collectRun(context.Background(), ctrl, task, defaultParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if term, _ := terminalOf(events); term.Type != stream.TypeComplete {
		t.Fatalf("terminal event = %s, want complete", term.Type)
	}
	if res.UsedRAG || len(res.RAGChunks) != 0 {
		t.Errorf("RAG fields = (%v, %v), want (false, empty)", res.UsedRAG, res.RAGChunks)
	}
}

// =============================================================================
// ANALYTICS
// =============================================================================

func TestRunReportsSummaryToRecorder(t *testing.T) {
	model := twoIterationModel()
	rec := &fakeRecorder{ch: make(chan RunSummary, 1)}
	ctrl := newTestController(t, model, twoIterationScores()).WithRecorder(rec)

	_, res, err := collectRun(context.Background(), ctrl, Task{Task: "measure", IsCode: true}, defaultParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sum RunSummary
	select {
	case sum = <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder never called")
	}

	if sum.RunID != res.RunID {
		t.Errorf("summary RunID = %q, want %q", sum.RunID, res.RunID)
	}
	if sum.Task != "measure" || !sum.IsCode {
		t.Errorf("summary task = (%q, %v), want (measure, true)", sum.Task, sum.IsCode)
	}
	if sum.InitialScore != 0.5 {
		t.Errorf("InitialScore = %v, want 0.5", sum.InitialScore)
	}
	if sum.FinalScore != 0.75 {
		t.Errorf("FinalScore = %v, want 0.75", sum.FinalScore)
	}
	if sum.Improvement != 0.25 {
		t.Errorf("Improvement = %v, want 0.25", sum.Improvement)
	}
	if len(sum.Iterations) != 2 {
		t.Errorf("len(Iterations) = %d, want 2", len(sum.Iterations))
	}
	if sum.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", sum.Duration)
	}
}
