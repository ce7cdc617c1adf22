// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/AP2611/Chakra-final/internal/orchestrator"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task TEXT NOT NULL,
    initial_score REAL NOT NULL,
    final_score REAL NOT NULL,
    improvement REAL NOT NULL,
    improvement_percent REAL NOT NULL,
    iterations INTEGER NOT NULL,
    duration_ms REAL NOT NULL,
    task_type TEXT NOT NULL,
    created_at INTEGER NOT NULL  -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

CREATE TABLE IF NOT EXISTS task_iterations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL,
    iteration_num INTEGER NOT NULL,
    score REAL NOT NULL,
    improvement REAL NOT NULL,
    FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_iterations_task ON task_iterations(task_id);
`

// =============================================================================
// TRACKER
// =============================================================================

const (
	// KeepTasks is the default history cap; older tasks are pruned on
	// record.
	KeepTasks = 100

	// taskTextLimit truncates the stored task statement.
	taskTextLimit = 100
)

// Tracker records finished runs and serves the dashboard queries. Safe
// for concurrent use; the single connection serializes writers.
type Tracker struct {
	db *sql.DB

	// Keep caps stored history. Defaults to KeepTasks.
	Keep int

	// now is swapped in tests to pin timestamps.
	now func() time.Time
}

// New opens (or creates) the analytics database at path.
func New(path string) (*Tracker, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create analytics directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON", // Cascade iteration deletes
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize analytics schema: %w", err)
	}

	return &Tracker{db: db, Keep: KeepTasks, now: time.Now}, nil
}

// Close releases the database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// =============================================================================
// RECORDING
// =============================================================================

// Record persists one finished run and prunes history beyond KeepTasks.
func (t *Tracker) Record(ctx context.Context, run orchestrator.RunSummary) error {
	taskType := "document"
	if run.IsCode {
		taskType = "code"
	}

	percent := improvementPercent(run.InitialScore, run.FinalScore)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (task, initial_score, final_score, improvement,
			improvement_percent, iterations, duration_ms, task_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, truncateRunes(run.Task, taskTextLimit), run.InitialScore, run.FinalScore,
		run.FinalScore-run.InitialScore, round2(percent), len(run.Iterations),
		float64(run.Duration.Milliseconds()), taskType, t.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	taskID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}

	for _, it := range run.Iterations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_iterations (task_id, iteration_num, score, improvement)
			VALUES (?, ?, ?, ?)
		`, taskID, it.Index, it.Score, it.Improvement)
		if err != nil {
			return fmt.Errorf("failed to insert iteration: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE id NOT IN (
			SELECT id FROM tasks ORDER BY id DESC LIMIT ?
		)
	`, t.Keep)
	if err != nil {
		return fmt.Errorf("failed to prune tasks: %w", err)
	}

	return tx.Commit()
}

// improvementPercent turns an absolute score delta into the percentage
// the dashboard charts. Very low initial scores get a dampened scale so
// a jump from roughly zero does not read as a million percent.
func improvementPercent(initial, final float64) float64 {
	improvement := final - initial
	switch {
	case initial > 0.01:
		return (improvement / initial) * 100
	case final > initial:
		return math.Min(500, math.Max(10, (improvement/0.1)*100))
	case initial > 0:
		return (improvement / math.Max(0.01, initial)) * 100
	case improvement > 0:
		return math.Min(200, (improvement/0.1)*100)
	default:
		return 0
	}
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics is the dashboard headline view.
type Metrics struct {
	AvgImprovement float64 `json:"avg_improvement"`
	AvgLatency     float64 `json:"avg_latency"`
	AvgAccuracy    float64 `json:"avg_accuracy"`
	AvgIterations  float64 `json:"avg_iterations"`
	TotalTasks     int     `json:"total_tasks"`
}

// Metrics aggregates the stored history. Latency is averaged in seconds
// over tasks that actually ran; accuracy is the final score on a 0-100
// scale.
func (t *Tracker) Metrics(ctx context.Context) (Metrics, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT improvement_percent, final_score, iterations, duration_ms
		FROM tasks ORDER BY id DESC LIMIT ?
	`, t.Keep)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var (
		m          Metrics
		latencySum float64
		latencyN   int
	)
	for rows.Next() {
		var percent, final, durationMS float64
		var iterations int
		if err := rows.Scan(&percent, &final, &iterations, &durationMS); err != nil {
			return Metrics{}, fmt.Errorf("failed to scan task: %w", err)
		}
		m.AvgImprovement += percent
		m.AvgAccuracy += final * 100
		m.AvgIterations += float64(iterations)
		if durationMS > 0 {
			latencySum += durationMS / 1000
			latencyN++
		}
		m.TotalTasks++
	}
	if err := rows.Err(); err != nil {
		return Metrics{}, fmt.Errorf("failed to read tasks: %w", err)
	}

	if m.TotalTasks == 0 {
		return Metrics{}, nil
	}
	n := float64(m.TotalTasks)
	m.AvgImprovement = round1(m.AvgImprovement / n)
	m.AvgAccuracy = round1(m.AvgAccuracy / n)
	m.AvgIterations = round1(m.AvgIterations / n)
	if latencyN > 0 {
		m.AvgLatency = round1(latencySum / float64(latencyN))
	}
	return m, nil
}

// =============================================================================
// QUALITY IMPROVEMENT CHART
// =============================================================================

// QualityPoint is one bar pair in the quality improvement chart.
type QualityPoint struct {
	Iteration   string  `json:"iteration"`
	Before      float64 `json:"before"`
	After       float64 `json:"after"`
	Improvement float64 `json:"improvement"`
}

// QualityImprovement returns before/after scores for the most recent
// tasks, newest first. Before and after come from the first and last
// iteration when the run recorded any, else from the task row.
func (t *Tracker) QualityImprovement(ctx context.Context, limit int) ([]QualityPoint, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT id, initial_score, final_score FROM tasks ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	type taskRow struct {
		id             int64
		initial, final float64
	}
	var tasks []taskRow
	for rows.Next() {
		var tr taskRow
		if err := rows.Scan(&tr.id, &tr.initial, &tr.final); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	var points []QualityPoint
	for _, tr := range tasks {
		scores, err := t.iterationScores(ctx, tr.id)
		if err != nil {
			return nil, err
		}

		before, after := tr.initial*100, tr.final*100
		if len(scores) > 0 {
			before, after = scores[0]*100, scores[len(scores)-1]*100
		}

		points = append(points, QualityPoint{
			Iteration:   fmt.Sprintf("T%d", tr.id),
			Before:      round1(before),
			After:       round1(after),
			Improvement: round1(after - before),
		})
	}
	return points, nil
}

// iterationScores returns a task's per-iteration scores in run order.
func (t *Tracker) iterationScores(ctx context.Context, taskID int64) ([]float64, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT score FROM task_iterations WHERE task_id = ? ORDER BY iteration_num
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// =============================================================================
// PERFORMANCE HISTORY
// =============================================================================

// HistoryPoint is one hourly bucket of latency and accuracy.
type HistoryPoint struct {
	Time     string  `json:"time"`
	Latency  float64 `json:"latency"`
	Accuracy float64 `json:"accuracy"`
}

// PerformanceHistory buckets recent tasks by wall-clock hour.
func (t *Tracker) PerformanceHistory(ctx context.Context, hours int) ([]HistoryPoint, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := t.now().Add(-time.Duration(hours) * time.Hour).Unix()

	rows, err := t.db.QueryContext(ctx, `
		SELECT final_score, duration_ms, created_at
		FROM tasks WHERE created_at >= ? ORDER BY id DESC LIMIT 1000
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	type bucket struct {
		latencies  []float64
		accuracies []float64
	}
	buckets := make(map[string]*bucket)
	for rows.Next() {
		var final, durationMS float64
		var createdAt int64
		if err := rows.Scan(&final, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		hour := time.Unix(createdAt, 0).Format("15") + ":00"
		b := buckets[hour]
		if b == nil {
			b = &bucket{}
			buckets[hour] = b
		}
		if durationMS > 0 {
			b.latencies = append(b.latencies, durationMS/1000)
		}
		b.accuracies = append(b.accuracies, final*100)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	hoursSorted := make([]string, 0, len(buckets))
	for hour := range buckets {
		hoursSorted = append(hoursSorted, hour)
	}
	sort.Strings(hoursSorted)

	var points []HistoryPoint
	for _, hour := range hoursSorted {
		b := buckets[hour]
		p := HistoryPoint{Time: hour}
		if len(b.latencies) > 0 {
			p.Latency = math.Round(mean(b.latencies))
		}
		if len(b.accuracies) > 0 {
			p.Accuracy = round1(mean(b.accuracies))
		}
		points = append(points, p)
	}
	return points, nil
}

// =============================================================================
// RECENT TASKS
// =============================================================================

// RecentTask is one row of the recent activity table, pre-formatted for
// display.
type RecentTask struct {
	ID          int64  `json:"id"`
	Task        string `json:"task"`
	Improvement string `json:"improvement"`
	Duration    string `json:"duration"`
	Iterations  int    `json:"iterations"`
	Date        string `json:"date"`
}

// RecentTasks returns the latest runs, newest first.
func (t *Tracker) RecentTasks(ctx context.Context, limit int) ([]RecentTask, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT id, task, improvement_percent, duration_ms, iterations, created_at
		FROM tasks ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	now := t.now()
	var tasks []RecentTask
	for rows.Next() {
		var (
			rt         RecentTask
			percent    float64
			durationMS float64
			createdAt  int64
		)
		if err := rows.Scan(&rt.ID, &rt.Task, &percent, &durationMS, &rt.Iterations, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		rt.Improvement = fmt.Sprintf("+%.1f%%", percent)
		if durationMS > 0 {
			rt.Duration = fmt.Sprintf("%.1fs", durationMS/1000)
		} else {
			rt.Duration = "N/A"
		}
		rt.Date = relativeDate(now, time.Unix(createdAt, 0))

		tasks = append(tasks, rt)
	}
	return tasks, rows.Err()
}

// relativeDate renders a timestamp the way the activity table shows it.
func relativeDate(now, t time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return "Today, " + t.Format("03:04 PM")
	case diff < 48*time.Hour:
		return "Yesterday, " + t.Format("03:04 PM")
	default:
		return t.Format("Jan 02, 03:04 PM")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }
func round2(x float64) float64 { return math.Round(x*100) / 100 }
