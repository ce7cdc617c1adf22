// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream defines the run event protocol and the ordered sink that
// carries events from the controller to a transport.
//
// A run is observable only through its event sequence: start, phase-tagged
// tokens, phase transitions, iteration summaries, and exactly one terminal
// event (complete or error). The sequence is strictly ordered; a consumer
// can fold it back into the run's final state without guessing.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type discriminates the event union on the wire.
type Type string

const (
	// TypeStart opens every run. Always the first event.
	TypeStart Type = "start"
	// TypeToken is one streamed output fragment, tagged with its phase.
	TypeToken Type = "token"
	// TypePhaseTransition marks the switch from initial to improved output.
	TypePhaseTransition Type = "phase_transition"
	// TypeIterationComplete summarizes one finished refinement iteration.
	TypeIterationComplete Type = "iteration_complete"
	// TypePlateauReached signals the improvement delta fell below threshold.
	TypePlateauReached Type = "plateau_reached"
	// TypeComplete closes a successful run. Terminal.
	TypeComplete Type = "complete"
	// TypeError closes a failed run. Terminal.
	TypeError Type = "error"
)

// Phase tags a token with the output it belongs to. Consumers must never
// infer the phase from arrival order; the tag is authoritative.
type Phase string

const (
	// PhaseInitial tags tokens from the generation stage.
	PhaseInitial Phase = "initial"
	// PhaseImproved tags tokens from the improvement stage.
	PhaseImproved Phase = "improved"
)

// ErrorKind classifies run failures on the wire and in logs.
type ErrorKind string

const (
	// KindModelUnavailable means the model endpoint could not serve the
	// call: connection refused, timeout, or the model is not pulled.
	KindModelUnavailable ErrorKind = "ModelUnavailable"
	// KindModelProtocolError means the endpoint answered garbage.
	KindModelProtocolError ErrorKind = "ModelProtocolError"
	// KindStageDegraded marks a stage that fell back to a safe default.
	// Logged, never emitted as an error event.
	KindStageDegraded ErrorKind = "StageDegraded"
	// KindClientCancelled marks a run torn down by the caller. The stream
	// just closes; no error event is emitted.
	KindClientCancelled ErrorKind = "ClientCancelled"
	// KindConfigurationError marks invalid run parameters, rejected
	// before any event is emitted.
	KindConfigurationError ErrorKind = "ConfigurationError"
)

// =============================================================================
// ITERATION RECORD
// =============================================================================

// IterationRecord is the immutable summary of one refinement iteration.
// Records are append-only; nothing rewrites an earlier iteration.
//
// InitialScore feeds the blocking endpoint and analytics. It is not part
// of the iteration_complete wire frame.
type IterationRecord struct {
	Index          int     `json:"iteration"`
	InitialOutput  string  `json:"yantra_output"`
	Critique       string  `json:"sutra_critique"`
	ImprovedOutput string  `json:"agni_output"`
	Score          float64 `json:"score"`
	Improvement    float64 `json:"improvement"`
	InitialScore   float64 `json:"yantra_score"`
}

// =============================================================================
// EVENT
// =============================================================================

// Event is one element of a run's event sequence. Exactly one variant is
// populated, selected by Type; MarshalJSON emits only that variant's
// fields, so every frame on the wire has a fixed shape.
type Event struct {
	Type Type

	// TypeToken
	Token string
	Phase Phase

	// TypePhaseTransition
	From Phase
	To   Phase

	// TypeIterationComplete
	Record *IterationRecord

	// TypeComplete
	FinalSolution   string
	FinalScore      float64
	TotalIterations int

	// TypeError
	Kind    ErrorKind
	Message string
}

// NewStart returns the run-opening event.
func NewStart() Event {
	return Event{Type: TypeStart}
}

// NewToken returns a phase-tagged token event.
func NewToken(phase Phase, text string) Event {
	return Event{Type: TypeToken, Phase: phase, Token: text}
}

// NewPhaseTransition returns a phase boundary marker.
func NewPhaseTransition(from, to Phase) Event {
	return Event{Type: TypePhaseTransition, From: from, To: to}
}

// NewIterationComplete returns an iteration summary event. The record is
// copied; later mutation of the caller's value does not reach the event.
func NewIterationComplete(rec IterationRecord) Event {
	return Event{Type: TypeIterationComplete, Record: &rec}
}

// NewPlateauReached returns the plateau marker.
func NewPlateauReached() Event {
	return Event{Type: TypePlateauReached}
}

// NewComplete returns the successful terminal event.
func NewComplete(solution string, score float64, totalIterations int) Event {
	return Event{
		Type:            TypeComplete,
		FinalSolution:   solution,
		FinalScore:      score,
		TotalIterations: totalIterations,
	}
}

// NewError returns the failing terminal event.
func NewError(kind ErrorKind, message string) Event {
	return Event{Type: TypeError, Kind: kind, Message: message}
}

// Terminal reports whether the event closes the run.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

// iterationData is the wire subset of an IterationRecord.
type iterationData struct {
	Iteration      int     `json:"iteration"`
	InitialOutput  string  `json:"yantra_output"`
	Critique       string  `json:"sutra_critique"`
	ImprovedOutput string  `json:"agni_output"`
	Score          float64 `json:"score"`
	Improvement    float64 `json:"improvement"`
}

// MarshalJSON renders the variant-specific frame for the event type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeStart, TypePlateauReached:
		return json.Marshal(struct {
			Type Type `json:"type"`
		}{e.Type})

	case TypeToken:
		return json.Marshal(struct {
			Type  Type   `json:"type"`
			Token string `json:"token"`
			Phase Phase  `json:"phase"`
		}{e.Type, e.Token, e.Phase})

	case TypePhaseTransition:
		return json.Marshal(struct {
			Type Type  `json:"type"`
			From Phase `json:"from"`
			To   Phase `json:"to"`
		}{e.Type, e.From, e.To})

	case TypeIterationComplete:
		if e.Record == nil {
			return nil, errors.New("iteration_complete event without record")
		}
		return json.Marshal(struct {
			Type Type          `json:"type"`
			Data iterationData `json:"data"`
		}{e.Type, iterationData{
			Iteration:      e.Record.Index,
			InitialOutput:  e.Record.InitialOutput,
			Critique:       e.Record.Critique,
			ImprovedOutput: e.Record.ImprovedOutput,
			Score:          e.Record.Score,
			Improvement:    e.Record.Improvement,
		}})

	case TypeComplete:
		return json.Marshal(struct {
			Type            Type    `json:"type"`
			FinalSolution   string  `json:"final_solution"`
			FinalScore      float64 `json:"final_score"`
			TotalIterations int     `json:"total_iterations"`
		}{e.Type, e.FinalSolution, e.FinalScore, e.TotalIterations})

	case TypeError:
		return json.Marshal(struct {
			Type    Type      `json:"type"`
			Message string    `json:"message"`
			Kind    ErrorKind `json:"kind"`
		}{e.Type, e.Message, e.Kind})
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

// UnmarshalJSON folds a wire frame back into an Event. Consumers (and
// tests) use this to replay a run from its frames.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type            Type           `json:"type"`
		Token           string         `json:"token"`
		Phase           Phase          `json:"phase"`
		From            Phase          `json:"from"`
		To              Phase          `json:"to"`
		Data            *iterationData `json:"data"`
		FinalSolution   string         `json:"final_solution"`
		FinalScore      float64        `json:"final_score"`
		TotalIterations int            `json:"total_iterations"`
		Message         string         `json:"message"`
		Kind            ErrorKind      `json:"kind"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		return errors.New("event frame missing type")
	}

	*e = Event{
		Type:            raw.Type,
		Token:           raw.Token,
		Phase:           raw.Phase,
		From:            raw.From,
		To:              raw.To,
		FinalSolution:   raw.FinalSolution,
		FinalScore:      raw.FinalScore,
		TotalIterations: raw.TotalIterations,
		Message:         raw.Message,
		Kind:            raw.Kind,
	}
	if raw.Data != nil {
		e.Record = &IterationRecord{
			Index:          raw.Data.Iteration,
			InitialOutput:  raw.Data.InitialOutput,
			Critique:       raw.Data.Critique,
			ImprovedOutput: raw.Data.ImprovedOutput,
			Score:          raw.Data.Score,
			Improvement:    raw.Data.Improvement,
		}
	}
	return nil
}
