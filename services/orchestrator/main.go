// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianRecall/pkg/logging"
	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/config"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/gating"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/learning"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memorystore"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/storage/badgerstore"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tools"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

const serviceName = "recall-orchestrator"

func initTracer(otelEndpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// connectMemoryStore builds the Weaviate-backed memory store, or
// returns nil for lightweight mode when no valid URL is configured.
func connectMemoryStore(rawURL string) memorystore.MemoryStore {
	// Sanitize: Trim quotes and whitespace just in case Podman passes them literally
	rawURL = strings.Trim(rawURL, "\"' ")

	if rawURL == "" || !strings.Contains(rawURL, "http") {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running in lightweight mode (no memory tiers).")
		return nil
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in lightweight mode.",
			"url", rawURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	datatypes.EnsureMemorySchema(client)

	store, err := memorystore.NewWeaviateMemoryStore(client, memorystore.DatatypesEmbedder{})
	if err != nil {
		slog.Error("Failed to create memory store, running in lightweight mode", "error", err)
		return nil
	}
	return store
}

func executorConfig(tun *config.Tunables, metrics *observability.AgentMetrics) tools.ExecutorConfig {
	cfg := tools.ExecutorConfig{
		InvokeTimeout:  tun.InvokeTimeout(),
		MaxResultBytes: tun.Executor.MaxResultBytes,
		RatePerSecond:  tun.Executor.RatePerSecond,
		Burst:          tun.Executor.Burst,
		Breaker: tools.BreakerConfig{
			FailureThreshold: tun.Breaker.FailureThreshold,
			SuccessThreshold: tun.Breaker.SuccessThreshold,
			OpenDuration:     tun.BreakerOpenDuration(),
		},
	}
	if metrics != nil {
		cfg.OnBreakerTransition = metrics.RecordBreakerTransition
	}
	return cfg
}

func agentConfig(tun *config.Tunables, rerankerConfigured bool) agent.Config {
	return agent.Config{
		MaxIterations:      tun.Agent.MaxIterations,
		PromptBudget:       tun.Agent.PromptBudget,
		WorkingMemoryLimit: tun.Agent.WorkingMemoryLimit,
		MaxAnswerBytes:     tun.Agent.MaxAnswerBytes,
		RerankerConfigured: rerankerConfigured,
		Gating: gating.Config{
			ConfidenceThreshold: tun.Gating.ConfidenceThreshold,
			EffectivenessFloor:  tun.Gating.EffectivenessFloor,
			MinAttempts:         tun.Gating.MinAttempts,
		},
	}
}

func retrievalConfig(tun *config.Tunables) retrieval.Config {
	return retrieval.Config{
		TotalBudget:  tun.RetrievalTotalBudget(),
		SearchBudget: tun.RetrievalSearchBudget(),
		RerankBudget: tun.RetrievalRerankBudget(),
		TopN:         tun.Retrieval.TopN,
	}
}

func main() {
	svc := config.ServiceFromEnv()

	logger := logging.Default(serviceName)
	slog.SetDefault(logger.Slog())

	// --- Init the tracer ---
	cleanup, err := initTracer(svc.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	// --- Tunables (file + env, hot reloadable) ---
	tunables, err := config.LoadTunables(svc.TunablesPath)
	if err != nil {
		log.Fatalf("FATAL: Could not load tunables: %v", err)
	}
	tunStore := config.NewStore(svc.TunablesPath, tunables)
	defer tunStore.Close()

	// --- Memory store (lightweight mode when absent) ---
	memStore := connectMemoryStore(svc.WeaviateURL)

	// --- Retrieval ---
	var reranker retrieval.Reranker
	if svc.RerankerURL != "" {
		reranker = retrieval.NewCrossEncoderClient(svc.RerankerURL, 5*time.Second)
		slog.Info("Cross-encoder reranker configured", "url", svc.RerankerURL)
	}
	var retriever *retrieval.HybridRetriever
	if memStore != nil {
		retriever, err = retrieval.NewHybridRetriever(memStore, reranker, retrievalConfig(tunables))
		if err != nil {
			log.Fatalf("FATAL: Could not build the retriever: %v", err)
		}
	}

	// --- Effectiveness stats ---
	var statsDB *badger.DB
	if svc.StatsPath != "" {
		cfg := badgerstore.DefaultConfig()
		cfg.Path = svc.StatsPath
		cfg.Logger = logger.Slog()
		statsDB, err = badgerstore.Open(cfg)
		if err != nil {
			log.Fatalf("FATAL: Could not open the stats database: %v", err)
		}
	} else {
		slog.Warn("RECALL_STATS_PATH not set, effectiveness stats will not survive restarts")
	}
	tracker := learning.NewTracker(statsDB, time.Minute)

	// --- Tools ---
	registry := tools.NewRegistry()
	if svc.SearchURL != "" {
		if err := registry.Register(tools.NewWebSearchTool(svc.SearchURL, 10*time.Second)); err != nil {
			log.Fatalf("FATAL: Could not register web search tool: %v", err)
		}
		slog.Info("Web search tool registered", "url", svc.SearchURL)
	}
	if retriever != nil {
		if err := registry.Register(tools.NewMemoryLookupTool(retriever)); err != nil {
			log.Fatalf("FATAL: Could not register memory lookup tool: %v", err)
		}
	}

	// --- LLM client ---
	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	switch svc.LLMBackend {
	case "openai", "":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI-compatible LLM backend")
	default:
		// Local servers (llama.cpp, Ollama, vLLM) all expose the OpenAI
		// API, so the same client covers them via OPENAI_BASE_URL.
		slog.Warn("Unknown LLM_BACKEND_TYPE, using the OpenAI-compatible client",
			"backend", svc.LLMBackend)
		llmClient, err = llm.NewOpenAIClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	// --- Agent ---
	buildAgent := func(tun *config.Tunables) (*agent.Agent, error) {
		executor, err := tools.NewExecutor(registry, executorConfig(tun, metrics))
		if err != nil {
			return nil, err
		}
		return agent.New(llmClient, contextRetriever(retriever), memStore,
			tracker, registry, executor, metrics, agentConfig(tun, reranker != nil))
	}
	ag, err := buildAgent(tunables)
	if err != nil {
		log.Fatalf("FATAL: Could not build the agent: %v", err)
	}

	chatHandler := handlers.NewAgentChatHandler(ag, tracker, metrics)

	// Reload swaps in a fresh agent; in-flight turns finish on the old
	// one. Retrieval budgets apply at the next restart because the
	// retriever is shared with the memory lookup tool.
	if err := tunStore.Watch(func(tun *config.Tunables) {
		next, err := buildAgent(tun)
		if err != nil {
			slog.Error("tunables reload produced an invalid agent, keeping current", "error", err)
			return
		}
		chatHandler.SwapAgent(next)
	}); err != nil {
		log.Fatalf("FATAL: Could not watch the tunables file: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, chatHandler, memStore)

	srv := &http.Server{
		Addr:    ":" + svc.Port,
		Handler: router,
	}
	go func() {
		log.Println("Starting the orchestrator server on port ", svc.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Block until SIGINT/SIGTERM, then drain connections before the
	// deferred tracker flush and tracer shutdown run.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	handlers.PurgeAllSecureMemory()
	if err := tracker.Close(); err != nil {
		slog.Error("effectiveness tracker close failed", "error", err)
	}
	if statsDB != nil {
		if err := statsDB.Close(); err != nil {
			slog.Error("stats database close failed", "error", err)
		}
	}
}

// contextRetriever adapts the nil case: a typed nil *HybridRetriever
// must not leak into the agent's interface field.
func contextRetriever(r *retrieval.HybridRetriever) agent.ContextRetriever {
	if r == nil {
		return nil
	}
	return r
}
