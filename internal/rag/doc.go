// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rag grounds generation prompts in locally stored documents.
//
// Documents are plain .txt or .md files in a single directory, chunked by
// paragraph. Retrieval ranks chunks by word-overlap with the query; there
// are no embeddings and no network calls, which keeps the whole path
// deterministic and offline.
//
// # Key Types
//
//   - Retriever: in-memory chunk set with top-k retrieval
//   - Chunk: one paragraph with its source document and stable ID
//   - Watcher: fsnotify-driven reload when documents change on disk
//
// # Usage
//
//	ret, err := rag.New("data/documents")
//	chunks, err := ret.Retrieve(ctx, query, 3)
//
// Keep the chunk set fresh while the server runs:
//
//	w, err := rag.NewWatcher(ret, 0)
//	err = w.Watch()
//	defer w.Close()
package rag
