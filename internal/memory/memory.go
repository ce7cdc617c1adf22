// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

// Solutions are deduplicated by task hash: storing a task that already
// exists keeps whichever solution scored higher.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_hash TEXT UNIQUE NOT NULL,
    task TEXT NOT NULL,
    solution TEXT NOT NULL,
    quality_score REAL NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_quality ON memories(quality_score);
`

// =============================================================================
// MEMORY STORE
// =============================================================================

const (
	// DefaultMinScore is the quality floor for retrieval. Solutions below
	// it stay stored but never surface as examples.
	DefaultMinScore = 0.7

	// DefaultSimilarityFloor is the Jaccard similarity a stored task must
	// exceed to count as similar.
	DefaultSimilarityFloor = 0.2
)

// Memory is one stored solution with its retrieval-time similarity.
type Memory struct {
	Task         string
	Solution     string
	QualityScore float64
	Similarity   float64
}

// Store persists refined solutions in SQLite and retrieves similar past
// work by word-overlap similarity. Safe for concurrent use; the single
// connection serializes writers.
type Store struct {
	db *sql.DB

	// MinScore is the quality floor for retrieval.
	MinScore float64

	// SimilarityFloor is the minimum Jaccard similarity for a match.
	SimilarityFloor float64
}

// New opens (or creates) the memory database at path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create memory directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	return &Store{
		db:              db,
		MinScore:        DefaultMinScore,
		SimilarityFloor: DefaultSimilarityFloor,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// STORE
// =============================================================================

// Store saves a solution keyed by its task. A task seen before keeps the
// better-scoring solution; a worse score is a no-op.
func (s *Store) Store(ctx context.Context, task, solution string, score float64) error {
	hash := hashTask(task)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing float64
	err = tx.QueryRowContext(ctx,
		"SELECT quality_score FROM memories WHERE task_hash = ?", hash,
	).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (task_hash, task, solution, quality_score)
			VALUES (?, ?, ?, ?)
		`, hash, task, solution, score)
		if err != nil {
			return fmt.Errorf("failed to insert memory: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up memory: %w", err)
	case score > existing:
		_, err = tx.ExecContext(ctx, `
			UPDATE memories SET solution = ?, quality_score = ? WHERE task_hash = ?
		`, solution, score, hash)
		if err != nil {
			return fmt.Errorf("failed to update memory: %w", err)
		}
	default:
		// Existing solution is at least as good; keep it.
		return nil
	}

	return tx.Commit()
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Similar returns stored solutions whose tasks overlap the given task,
// most similar first (quality breaks ties). Only solutions at or above
// MinScore are considered, and candidates are pre-trimmed to the
// top-quality 2*limit rows before similarity is computed.
func (s *Store) Similar(ctx context.Context, task string, limit int) ([]Memory, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task, solution, quality_score
		FROM memories
		WHERE quality_score >= ?
		ORDER BY quality_score DESC
		LIMIT ?
	`, s.MinScore, limit*2)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	taskWords := wordSet(task)

	var similar []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.Task, &m.Solution, &m.QualityScore); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		m.Similarity = jaccard(taskWords, wordSet(m.Task))
		if m.Similarity > s.SimilarityFloor {
			similar = append(similar, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read memories: %w", err)
	}

	sort.SliceStable(similar, func(i, j int) bool {
		if similar[i].Similarity != similar[j].Similarity {
			return similar[i].Similarity > similar[j].Similarity
		}
		return similar[i].QualityScore > similar[j].QualityScore
	})

	if len(similar) > limit {
		similar = similar[:limit]
	}
	return similar, nil
}

// RetrieveSimilar returns just the solutions of similar past tasks, ready
// to fold into a generation prompt.
func (s *Store) RetrieveSimilar(ctx context.Context, task string, limit int) ([]string, error) {
	memories, err := s.Similar(ctx, task, limit)
	if err != nil {
		return nil, err
	}
	solutions := make([]string, len(memories))
	for i, m := range memories {
		solutions[i] = m.Solution
	}
	return solutions, nil
}

// BestExamples returns the highest-scoring solutions regardless of task
// similarity.
func (s *Store) BestExamples(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT solution FROM memories ORDER BY quality_score DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query best examples: %w", err)
	}
	defer rows.Close()

	var solutions []string
	for rows.Next() {
		var solution string
		if err := rows.Scan(&solution); err != nil {
			return nil, fmt.Errorf("failed to scan solution: %w", err)
		}
		solutions = append(solutions, solution)
	}
	return solutions, rows.Err()
}

// Count returns how many solutions are stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, err
}

// =============================================================================
// HELPERS
// =============================================================================

// hashTask keys a task for deduplication.
func hashTask(task string) string {
	sum := md5.Sum([]byte(task))
	return hex.EncodeToString(sum[:])
}

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
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
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
