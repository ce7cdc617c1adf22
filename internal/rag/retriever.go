// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AP2611/Chakra-final/internal/util"
)

// =============================================================================
// CHUNKS
// =============================================================================

// IndexFile is the serialized chunk index inside the documents directory.
// When it exists it wins over rescanning the raw files.
const IndexFile = "index.json"

// Chunk is one retrievable paragraph of a source document.
type Chunk struct {
	Text    string `json:"text"`
	Source  string `json:"source"`
	ChunkID string `json:"chunk_id"`
}

// chunkParagraphs splits content on blank lines. Chunk IDs are stable for
// a given (stem, content) pair, so re-chunking an unchanged document is
// idempotent.
func chunkParagraphs(content, source, stem string) []Chunk {
	var chunks []Chunk
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:    para,
			Source:  source,
			ChunkID: fmt.Sprintf("%s_%d", stem, len(chunks)),
		})
	}
	return chunks
}

// =============================================================================
// RETRIEVER
// =============================================================================

// Retriever serves document chunks ranked by word overlap with a query.
// The chunk set lives in memory and reloads from disk on demand; reads
// and reloads may run concurrently.
type Retriever struct {
	dir string

	mu     sync.RWMutex
	chunks []Chunk
}

// New opens the documents directory and loads its chunk index. A missing
// directory is created empty.
func New(dir string) (*Retriever, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}
	r := &Retriever{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the documents directory the retriever serves.
func (r *Retriever) Dir() string {
	return r.dir
}

// Reload rebuilds the in-memory chunk set from disk: from the saved index
// when present, otherwise by chunking every .txt and .md file.
func (r *Retriever) Reload() error {
	chunks, err := r.loadChunks()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.chunks = chunks
	r.mu.Unlock()
	return nil
}

func (r *Retriever) loadChunks() ([]Chunk, error) {
	indexPath := filepath.Join(r.dir, IndexFile)
	if data, err := os.ReadFile(indexPath); err == nil {
		var chunks []Chunk
		if err := json.Unmarshal(data, &chunks); err != nil {
			return nil, fmt.Errorf("failed to parse chunk index: %w", err)
		}
		return chunks, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read chunk index: %w", err)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents directory: %w", err)
	}

	var chunks []Chunk
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".txt" && ext != ".md" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			// Skip unreadable files
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		chunks = append(chunks, chunkParagraphs(string(content), name, stem)...)
	}
	return chunks, nil
}

// ChunkCount returns the number of loaded chunks.
func (r *Retriever) ChunkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// Chunks returns a copy of the loaded chunk set.
func (r *Retriever) Chunks() []Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Chunk(nil), r.chunks...)
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Retrieve returns the text of the topK chunks most overlapping the
// query, best first. Chunks with no overlap at all never surface.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.chunks) == 0 {
		return nil, nil
	}

	queryWords := wordSet(query)

	type scored struct {
		score float64
		text  string
	}
	ranked := make([]scored, len(r.chunks))
	for i, chunk := range r.chunks {
		ranked[i] = scored{
			score: jaccard(queryWords, wordSet(chunk.Text)),
			text:  chunk.Text,
		}
	}
	// Stable keeps document order among equally-scored chunks.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if topK > len(ranked) {
		topK = len(ranked)
	}
	var texts []string
	for _, s := range ranked[:topK] {
		if s.score > 0 {
			texts = append(texts, s.text)
		}
	}
	return texts, nil
}

// =============================================================================
// DOCUMENT INGESTION
// =============================================================================

// AddDocument chunks new content under the given source name, appends the
// chunks, and persists the full index.
func (r *Retriever) AddDocument(content, source string) error {
	added := chunkParagraphs(content, source, source)

	r.mu.Lock()
	r.chunks = append(r.chunks, added...)
	snapshot := append([]Chunk(nil), r.chunks...)
	r.mu.Unlock()

	return r.saveIndex(snapshot)
}

// saveIndex writes the chunk index atomically so a crashed write never
// leaves a truncated index behind.
func (r *Retriever) saveIndex(chunks []Chunk) error {
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode chunk index: %w", err)
	}
	indexPath := filepath.Join(r.dir, IndexFile)
	if err := util.AtomicWriteFile(indexPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write chunk index: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// wordSet lowercases and splits on whitespace.
func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// jaccard is intersection over union of two word sets.
func jaccard(a, b map[string]struct{}) float64 {
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
