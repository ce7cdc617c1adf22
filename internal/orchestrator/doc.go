// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator runs the generate-critique-improve refinement loop
// and turns each run into an ordered event stream.
//
// # Key Types
//
//   - Controller: drives runs; stateless across runs, safe for concurrent use
//   - RunState: per-run phase machine plus iteration history
//   - Params: caller-tunable loop bounds, validated before the first event
//   - Task: what to refine and which collaborators to involve
//   - Result: the buffered view of a finished run
//
// # Usage
//
//	ctrl, err := orchestrator.NewController(yantra, sutra, agni, scorer)
//	if err != nil {
//		return err
//	}
//	ctrl.WithMemory(store).WithRetriever(index).WithRecorder(tracker)
//
//	sink := stream.NewSink(0)
//	go func() {
//		defer sink.Close()
//		res, err = ctrl.Run(ctx, task, params, sink)
//	}()
//	for ev := range sink.Events() {
//		// forward ev to the client
//	}
//
// # Run Discipline
//
// A run emits start first and exactly one terminal event (complete or
// error) last. Cancellation emits nothing further: the consumer can trust
// that nothing follows a terminal event and that a missing terminal event
// means the client went away. Stage degradation keeps runs alive: a failed
// critique yields a stub, a failed improvement keeps the initial draft for
// that iteration with its improvement pinned to zero. Only a failed
// generation ends a run with an error event.
package orchestrator
