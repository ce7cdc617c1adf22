// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the refinement pipeline over HTTP.
//
// The API serves the dashboard contract: a blocking run endpoint, a
// Server-Sent Events endpoint that relays run events as they happen, and
// read-only analytics routes backed by the run history store.
//
// # Endpoints
//
//   - POST /process                        - Run to completion, return the full result
//   - POST /process-stream                 - Run with SSE output
//   - POST /process/stream                 - Alias for /process-stream
//   - GET  /                               - Service banner
//   - GET  /health                         - Liveness plus model reachability
//   - GET  /analytics/metrics              - Aggregate run metrics
//   - GET  /analytics/quality-improvement  - Before/after scores per task
//   - GET  /analytics/performance-history  - Hourly latency/accuracy buckets
//   - GET  /analytics/recent-tasks         - Formatted recent run list
//
// Every request passes through panic recovery, security headers, access
// logging, per-IP rate limiting, and CORS, in that order.
//
// # Key Types
//
//   - Server: router, middleware chain, and handlers
//   - Runner: the run entry point, satisfied by orchestrator.Controller
//   - StatsReader: the analytics read surface, satisfied by analytics.Tracker
//   - RateLimiter: per-client token buckets with idle sweep
//
// # Usage
//
//	srv := server.NewServer(8000, controller).
//		WithPinger(client).
//		WithStats(tracker)
//	go func() {
//		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
//			log.Fatal(err)
//		}
//	}()
//	// ... on shutdown:
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	srv.Shutdown(ctx)
package server
