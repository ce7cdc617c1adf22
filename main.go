// chakra - iterative refinement service for local LLMs.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AP2611/Chakra-final/internal/agent"
	"github.com/AP2611/Chakra-final/internal/analytics"
	"github.com/AP2611/Chakra-final/internal/config"
	"github.com/AP2611/Chakra-final/internal/evaluate"
	"github.com/AP2611/Chakra-final/internal/memory"
	"github.com/AP2611/Chakra-final/internal/ollama"
	"github.com/AP2611/Chakra-final/internal/orchestrator"
	"github.com/AP2611/Chakra-final/internal/rag"
	"github.com/AP2611/Chakra-final/internal/server"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

// run wires the pipeline and serves until interrupted.
func run() int {
	var (
		configPath  = flag.String("config", "", "path to a TOML config file")
		host        = flag.String("host", "", "listen address (overrides config)")
		port        = flag.Int("port", 0, "listen port (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chakra %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	// ----- model endpoint -----

	client := ollama.NewClient(&ollama.ClientConfig{
		BaseURL: cfg.Ollama.URL,
		Model:   cfg.Ollama.Model,
		Timeout: time.Duration(cfg.Ollama.TimeoutSecs) * time.Second,
	})

	// An unreachable endpoint is a warning, not a startup failure: Ollama
	// may come up after us, and /health reports its state live.
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		log.Printf("OLLAMA_UNREACHABLE | url=%s error=%v", cfg.Ollama.URL, err)
	}
	cancelPing()

	// ----- pipeline stages -----

	model := agent.NewOllamaModel(client)
	yantra, err := agent.NewYantra(model, cfg.Ollama.FastMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "yantra init error: %v\n", err)
		return 1
	}
	sutra, err := agent.NewSutra(model, cfg.Ollama.FastMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sutra init error: %v\n", err)
		return 1
	}
	agni, err := agent.NewAgni(model, cfg.Ollama.FastMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agni init error: %v\n", err)
		return 1
	}

	controller, err := orchestrator.NewController(yantra, sutra, agni, evaluate.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "controller init error: %v\n", err)
		return 1
	}

	// ----- optional collaborators -----
	// Each one degrades to absent on failure; the pipeline runs without it.

	store, err := memory.New(cfg.Memory.Path)
	if err != nil {
		log.Printf("MEMORY_DISABLED | path=%s error=%v", cfg.Memory.Path, err)
	} else {
		defer store.Close()
		store.MinScore = cfg.Memory.MinScore
		store.SimilarityFloor = cfg.Memory.SimilarityFloor
		controller.WithMemory(store).
			WithStoreThreshold(cfg.Memory.StoreThreshold).
			WithExampleLimit(cfg.Memory.ExampleLimit)
	}

	retriever, err := rag.New(cfg.RAG.DocsDir)
	if err != nil {
		log.Printf("RAG_DISABLED | dir=%s error=%v", cfg.RAG.DocsDir, err)
	} else {
		controller.WithRetriever(retriever).WithRAGTopK(cfg.RAG.TopK)
		if cfg.RAG.Watch {
			watcher, err := rag.NewWatcher(retriever, time.Duration(cfg.RAG.DebounceMS)*time.Millisecond)
			if err != nil {
				log.Printf("RAG_WATCH_DISABLED | error=%v", err)
			} else if err := watcher.Watch(); err != nil {
				log.Printf("RAG_WATCH_DISABLED | error=%v", err)
				watcher.Close()
			} else {
				defer watcher.Close()
			}
		}
	}

	tracker, err := analytics.New(cfg.Analytics.Path)
	if err != nil {
		log.Printf("ANALYTICS_DISABLED | path=%s error=%v", cfg.Analytics.Path, err)
	} else {
		defer tracker.Close()
		tracker.Keep = cfg.Analytics.Keep
		controller.WithRecorder(tracker)
	}

	// ----- HTTP server -----

	srv := server.NewServer(cfg.Server.Port, controller).
		WithHost(cfg.Server.Host).
		WithPinger(client).
		WithRunDefaults(orchestrator.Params{
			MaxIterations:  cfg.Refine.MaxIterations,
			MinImprovement: cfg.Refine.MinImprovement,
			ScoreCeiling:   cfg.Refine.ScoreCeiling,
		}).
		WithMaxBodyBytes(cfg.Server.MaxBodyBytes).
		WithRateLimit(cfg.Server.RatePerSec, cfg.Server.RateBurst)
	if tracker != nil {
		srv.WithStats(tracker)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Printf("CHAKRA_READY | version=%s model=%s fast_mode=%v port=%d",
		Version, cfg.Ollama.Model, cfg.Ollama.FastMode, srv.Port())

	code := 0
	select {
	case <-ctx.Done():
		log.Printf("SIGNAL_RECEIVED | shutting down")
	case err := <-errCh:
		log.Printf("SERVER_ERROR | error=%v", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("SHUTDOWN_ERROR | error=%v", err)
		code = 1
	}
	return code
}
