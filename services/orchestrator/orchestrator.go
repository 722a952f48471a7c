// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator builds and runs the chatbot service.
//
// It wires configuration into the conversation engine: the LLM backend, the
// local and web retrievers, the session store, tracing, metrics and the HTTP
// router.
//
// # Usage
//
//	cfg := orchestrator.ApplyEnv(orchestrator.Config{})
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	log.Fatal(svc.Run(ctx))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompt"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/session"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName     = "chatbot-service"
	shutdownTimeout = 10 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the chatbot service lifecycle.
//
// # Thread Safety
//
// Safe for concurrent use. Run should be called at most once.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the server fails, then
	// shuts the server down gracefully.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine.
	Router() *gin.Engine

	// Orchestrator returns the conversation engine, for callers that run
	// turns without going through HTTP.
	Orchestrator() *conversation.Orchestrator

	// Close releases the session store, background jobs and the tracer.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        Config
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	llmClient     llm.LLMClient
	facade        *retrieval.Facade
	store         session.Store
	sessions      *session.Manager
	orchestrator  *conversation.Orchestrator
	router        *gin.Engine
	ttlScheduler  *ttl.Scheduler
	tracerCleanup func(context.Context)
}

var _ Service = (*service)(nil)

// =============================================================================
// Constructor
// =============================================================================

// New builds a ready to run Service.
//
// # Description
//
// New applies defaults, validates the configuration and initializes, in
// order: tracing, metrics, the LLM client, retrieval, the session store,
// the conversation engine and the router. On failure everything already
// initialized is released.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: The initialized service.
//   - error: Non-nil if the configuration is invalid or a component fails.
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &service{config: cfg}

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = observability.NewMetrics(s.registry)

	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	if err := s.initRetrieval(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize retrieval: %w", err)
	}

	if err := s.initSessionStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	s.orchestrator = conversation.NewOrchestrator(conversation.Dependencies{
		Sessions:  s.sessions,
		Retrieval: s.facade,
		Generator: generation.NewLLMGenerator(s.llmClient, llm.GenerationParams{}),
		Assembler: prompt.NewAssembler(),
		Metrics:   s.metrics,
	}, conversation.Options{
		SummarizationThreshold: cfg.SummarizationThreshold,
		StreamBuffer:           cfg.StreamBuffer,
	})

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting chatbot server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("chatbot server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Shutting down chatbot server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	}
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Orchestrator() *conversation.Orchestrator {
	return s.orchestrator
}

func (s *service) Close() error {
	return s.cleanup()
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer exports spans over OTLP gRPC to the configured collector.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	slog.Info("Tracing enabled", "endpoint", s.config.OTelEndpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

// initLLMClient creates the client for the configured backend.
func (s *service) initLLMClient() error {
	var err error
	switch s.config.LLMBackend {
	case BackendOpenAI:
		s.llmClient, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey: s.config.OpenAIKey,
			Model:  s.config.OpenAIModel,
		})
		slog.Info("Using OpenAI LLM backend")
	case BackendOllama:
		s.llmClient, err = llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: s.config.OllamaBaseURL,
			Model:   s.config.OllamaModel,
		})
		slog.Info("Using Ollama LLM backend")
	default:
		err = fmt.Errorf("unknown LLM backend %q", s.config.LLMBackend)
	}
	return err
}

// initRetrieval connects the local and web retrievers to Weaviate. Without
// a Weaviate URL both backends return no documents.
func (s *service) initRetrieval() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured, answering without retrieved documents")
		s.facade = retrieval.NewFacade(retrieval.NoopRetriever{}, retrieval.NoopRetriever{},
			s.config.LocalK, s.config.WebK)
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}
	if s.config.EmbeddingURL == "" {
		return fmt.Errorf("embedding_url is required when weaviate_url is set")
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	embedder := retrieval.NewEmbeddingClient(s.config.EmbeddingURL)
	s.facade = retrieval.NewFacade(
		retrieval.NewWeaviateRetriever(client, embedder, s.config.LocalClass, retrieval.BackendLocal),
		retrieval.NewWeaviateRetriever(client, embedder, s.config.WebClass, retrieval.BackendWeb),
		s.config.LocalK, s.config.WebK)
	slog.Info("Weaviate retrieval initialized",
		"url", weaviateURL,
		"local_class", s.config.LocalClass,
		"web_class", s.config.WebClass)
	return nil
}

// initSessionStore opens the configured store. The memory store gets a
// background scheduler that evicts idle sessions; badger expires keys itself.
func (s *service) initSessionStore() error {
	switch s.config.SessionStore {
	case StoreBadger:
		bcfg := session.DefaultBadgerConfig(s.config.SessionDBPath)
		bcfg.TTL = s.config.SessionTTL
		bcfg.Logger = slog.Default().With("component", "badger")
		store, err := session.NewBadgerStore(bcfg)
		if err != nil {
			return err
		}
		s.store = store
	default:
		store := session.NewMemoryStore()
		schedCfg := ttl.DefaultSchedulerConfig()
		schedCfg.MaxIdle = s.config.SessionTTL
		s.ttlScheduler = ttl.NewScheduler(store, schedCfg)
		if err := s.ttlScheduler.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start session cleanup: %w", err)
		}
		s.store = store
	}
	s.sessions = session.NewManager(s.store)
	slog.Info("Session store ready", "store", s.config.SessionStore, "ttl", s.config.SessionTTL.String())
	return nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(serviceName))

	opts := []handlers.ChatHandlerOption{}
	if s.config.DefaultSessionID != "" {
		opts = append(opts, handlers.WithDefaultSessionID(s.config.DefaultSessionID))
	}
	chat := handlers.NewChatHandler(s.orchestrator, s.metrics, opts...)

	routeOpts := routes.Options{
		Metrics:        s.metrics,
		RateLimitRPS:   s.config.RateLimitRPS,
		RateLimitBurst: s.config.RateLimitBurst,
	}
	if s.config.MetricsEnabled() {
		routeOpts.Gatherer = s.registry
	}
	routes.SetupRoutes(s.router, chat, s.store, routeOpts)
}

// cleanup releases everything New initialized. It is safe to call on a
// partially built service.
func (s *service) cleanup() error {
	if s.ttlScheduler != nil {
		if err := s.ttlScheduler.Stop(); err != nil {
			slog.Warn("session cleanup stop error", "error", err)
		}
		s.ttlScheduler = nil
	}
	var err error
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			err = fmt.Errorf("failed to close session store: %w", cerr)
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	return err
}
