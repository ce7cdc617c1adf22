// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package rag

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the documents directory must stay quiet
// before a reload. Editors fire bursts of writes per save; one reload per
// burst is enough.
const DefaultDebounce = 500 * time.Millisecond

// =============================================================================
// DOCUMENT WATCHER
// =============================================================================

// Watcher reloads a Retriever when files in its documents directory
// change. Changes are debounced and coalesced: any number of events
// inside one quiet window trigger a single reload.
type Watcher struct {
	retriever *Retriever
	watcher   *fsnotify.Watcher
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]time.Time // File path -> last change time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the retriever's documents directory.
// A debounce of zero or less uses DefaultDebounce.
func NewWatcher(r *Retriever, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		retriever: r,
		watcher:   fsw,
		debounce:  debounce,
		pending:   make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Watch starts watching for document changes.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(w.retriever.Dir()); err != nil {
		return err
	}

	go w.processEvents()
	go w.processPending()

	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// processEvents folds filesystem events into the pending set.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevantFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("RAG_WATCH_ERROR | error=%v", err)
		}
	}
}

// processPending reloads once per batch of matured changes.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()

			w.mu.Lock()
			matured := 0
			for path, changeTime := range w.pending {
				if now.Sub(changeTime) >= w.debounce {
					delete(w.pending, path)
					matured++
				}
			}
			w.mu.Unlock()

			if matured == 0 {
				continue
			}
			if err := w.retriever.Reload(); err != nil {
				log.Printf("RAG_RELOAD | ok=false error=%v", err)
				continue
			}
			log.Printf("RAG_RELOAD | ok=true chunks=%d", w.retriever.ChunkCount())
		}
	}
}

// relevantFile reports whether a path can affect the chunk set. Atomic
// index writes go through .tmp- files that must not retrigger reloads.
func relevantFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".tmp-") {
		return false
	}
	if base == IndexFile {
		return true
	}
	ext := filepath.Ext(base)
	return ext == ".txt" || ext == ".md"
}
