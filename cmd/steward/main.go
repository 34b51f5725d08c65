// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command steward starts the Aleutian Steward API server.
//
// Aleutian Steward is the tool routing and confirmation policy engine for
// the cloud operations assistant:
//   - Rule-based operation classification (never model-decided safety)
//   - Exclusive class-to-capability routing with dispatch assertions
//   - Exact-token confirmation gates for every mutation
//   - Multi-task splitting with a 90 second pause budget
//   - Dependency-ordered execution with transient-only retries
//
// Usage:
//
//	go run ./cmd/steward
//	go run ./cmd/steward -port 9090
//
// With a model for intent extraction (rules still decide safety):
//
//	OLLAMA_BASE_URL=http://localhost:11434 OLLAMA_MODEL=llama3 go run ./cmd/steward
//
// With operator policy overrides (hot-reloaded on change):
//
//	STEWARD_POLICY_RULES=/etc/steward/policy_rules.yaml go run ./cmd/steward
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/steward/health
//
//	# One conversational turn
//	curl -X POST http://localhost:8080/v1/steward/turn \
//	  -H "Content-Type: application/json" \
//	  -d '{"session_id": "demo", "text": "list my EC2 instances"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/AleutianCloud/services/steward"
	"github.com/AleutianAI/AleutianCloud/services/steward/agent"
	"github.com/AleutianAI/AleutianCloud/services/steward/capability"
	"github.com/AleutianAI/AleutianCloud/services/steward/config"
	"github.com/AleutianAI/AleutianCloud/services/steward/session"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	traceStdout := flag.Bool("trace-stdout", false, "Export spans to stdout")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// W3C TraceContext flows from the chat host through every handler.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if *traceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("stdout trace exporter failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
	}

	cfg, err := config.GetPolicyConfig(ctx)
	if err != nil {
		logger.Error("policy config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if rulesPath := os.Getenv("STEWARD_POLICY_RULES"); rulesPath != "" {
		// The watcher blocks until shutdown; it runs beside the server
		// and swaps the config singleton on file change. The service
		// picks up the swap at the next turn.
		go func() {
			err := config.WatchPolicyRules(ctx, rulesPath, logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("policy rules watch unavailable, using embedded defaults",
					slog.String("path", rulesPath),
					slog.String("error", err.Error()))
			}
		}()
	}

	db, err := openSessionDB(logger)
	if err != nil {
		logger.Error("session store unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	svc := steward.NewService(cfg, steward.Deps{
		Inspector: backend(),
		Mutator:   backend(),
		Costs:     backend(),
		Docs:      capability.NewCachingDocSearcher(backend(), db, cfg, logger),
		Diagrams:  backend(),
		Store:     session.NewStore(db, logger),
		Intent:    agent.NewExtractor(intentModel(logger), logger),
		Logger:    logger,
	})
	handlers := steward.NewHandlers(svc)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-steward"))
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	steward.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down Aleutian Steward server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Starting Aleutian Steward server", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// backend returns the capability backend. Real cloud backends plug in
// here; without one the dry-run backend keeps the full policy surface
// exercisable.
func backend() *capability.DryRun {
	return &capability.DryRun{DiagramDir: os.Getenv("STEWARD_DIAGRAM_DIR")}
}

// openSessionDB opens the transcript BadgerDB under STEWARD_DATA_DIR or
// ~/.aleutian/steward/sessions.
func openSessionDB(logger *slog.Logger) (*badger.DB, error) {
	dir := os.Getenv("STEWARD_DATA_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".aleutian", "steward", "sessions")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	logger.Info("Session BadgerDB opened", slog.String("path", dir))
	return badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
}

// intentModel builds the extraction model from OLLAMA_* env vars. A nil
// model keeps extraction on rules alone, which is always sufficient for
// the safety path.
func intentModel(logger *slog.Logger) llms.Model {
	modelName := os.Getenv("OLLAMA_MODEL")
	if modelName == "" {
		return nil
	}
	opts := []ollama.Option{ollama.WithModel(modelName)}
	if base := os.Getenv("OLLAMA_BASE_URL"); base != "" {
		opts = append(opts, ollama.WithServerURL(base))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		logger.Warn("intent model unavailable, extraction uses rules only",
			slog.String("model", modelName),
			slog.String("error", err.Error()))
		return nil
	}
	logger.Info("Intent extraction model ready", slog.String("model", modelName))
	return model
}
