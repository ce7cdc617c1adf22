// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory persists refined solutions and retrieves similar past
// work to seed new generation prompts.
//
// Storage is a single SQLite database. Tasks are deduplicated by hash,
// keeping the better-scoring solution on collision, so repeated runs of
// the same task only ever raise the stored quality.
//
// # Key Types
//
//   - Store: SQLite-backed solution store
//   - Memory: one stored solution with its retrieval-time similarity
//
// # Usage
//
// Open a store and save a solution:
//
//	store, err := memory.New("data/memory.db")
//	err = store.Store(ctx, task, solution, 0.82)
//
// Retrieve similar past solutions for a prompt:
//
//	examples, err := store.RetrieveSimilar(ctx, task, 3)
//
// # Similarity
//
// Matching is word-overlap (Jaccard) similarity over lowercased task
// text. Only solutions at or above MinScore are candidates, and a match
// must exceed SimilarityFloor to surface.
package memory
