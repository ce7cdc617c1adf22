// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package analytics persists run outcomes and serves the dashboard
// queries built on top of them.
//
// Runs are stored in a local SQLite database, one row per task plus one
// row per iteration. History is capped at the most recent KeepTasks
// runs; recording a new run prunes anything older, and the iteration
// rows follow their task via cascade.
//
// # Key Types
//
//   - Tracker: the store. Implements the orchestrator's Recorder so a
//     controller can report finished runs directly.
//   - Metrics: headline averages across stored history.
//   - QualityPoint, HistoryPoint, RecentTask: chart and table rows,
//     pre-shaped for the HTTP layer to serialize as-is.
//
// # Usage
//
//	tracker, err := analytics.New("data/analytics.db")
//	if err != nil {
//	    return err
//	}
//	defer tracker.Close()
//
//	ctrl.WithRecorder(tracker)
//
// All display formatting (percent strings, relative dates, hourly
// buckets) happens here so every caller renders history the same way.
package analytics
