// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answerer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/answerflow/services/answerer/observability"
	"github.com/AleutianAI/answerflow/services/classifier"
	"github.com/AleutianAI/answerflow/services/llm"
	"github.com/AleutianAI/answerflow/services/retrieval"
	"github.com/AleutianAI/answerflow/services/workflow"
	"github.com/AleutianAI/answerflow/services/workflow/checkpoint"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the answering service.
//
// # Description
//
// Service abstracts the service lifecycle, enabling testing and
// alternative implementations. Only essential lifecycle methods are
// exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet
//   - Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds answering service configuration options.
//
// # Description
//
// Config centralizes all configuration for the service. Values can be
// populated from environment variables, config files, or
// programmatically for testing.
//
// # Required Fields
//
// None - all fields have sensible defaults, though the workflow degrades
// when neither WeaviateURL nor TavilyAPIKey is set (no evidence source).
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// LLMBackend specifies the model provider.
	// Valid values: "openai", "ollama"
	// Default: "ollama"
	LLMBackend string

	// WeaviateURL is the Weaviate vector database URL.
	// If empty, corpus retrieval is disabled and routing falls back to
	// web search.
	WeaviateURL string

	// WeaviateClass is the Weaviate class holding document chunks.
	// Default: "DocumentChunk"
	WeaviateClass string

	// TavilyAPIKey authenticates against the Tavily web search API.
	// If empty, web search is disabled.
	TavilyAPIKey string

	// TavilyURL overrides the Tavily endpoint (used by tests).
	TavilyURL string

	// CheckpointDir is the BadgerDB directory for session checkpoints.
	// Default: "./data/checkpoints"
	CheckpointDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "localhost:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// MaxConcurrentRuns bounds simultaneous workflow runs.
	// Default: 16
	MaxConcurrentRuns int64

	// DefaultMaxLoops is the generation budget per run when a request
	// does not set one. Default: 3
	DefaultMaxLoops int
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service coordinates HTTP routing via Gin, the workflow engine and its
// classifier/retrieval/generation dependencies, BadgerDB checkpointing,
// OpenTelemetry tracing, and Prometheus metrics.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	engine        *workflow.Engine
	checkpoints   checkpoint.Store
	llmClient     llm.LLMClient
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new answering Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the LLM client based on backend type
//  5. Creates the Weaviate retriever and Tavily searcher if configured
//  6. Opens the BadgerDB checkpoint store
//  7. Builds the workflow engine and registers HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run answering service
//   - error: Non-nil if initialization fails
//
// # Limitations
//
//   - A missing evidence backend is not fatal; runs fail at routing time
//     with a sanitized error event instead
//
// # Assumptions
//
//   - Environment variables are set for the chosen model provider
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	if err := s.initCheckpoints(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	s.initEngine()
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting answering server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.WeaviateClass == "" {
		cfg.WeaviateClass = retrieval.DefaultDocumentClass
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = "./data/checkpoints"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = 16
	}
	if cfg.DefaultMaxLoops == 0 {
		cfg.DefaultMaxLoops = 3
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// Uses an insecure gRPC connection, appropriate for internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("answerflow-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initLLMClient initializes the model provider client.
func (s *service) initLLMClient() error {
	var err error

	switch s.config.LLMBackend {
	case "openai":
		s.llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		s.llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("Unknown LLM backend, defaulting to ollama",
			"backend", s.config.LLMBackend)
		s.llmClient, err = llm.NewOllamaClient()
	}

	return err
}

// initCheckpoints opens the BadgerDB-backed checkpoint store.
func (s *service) initCheckpoints() error {
	store, err := checkpoint.NewBadgerStore(checkpoint.DefaultConfig(s.config.CheckpointDir))
	if err != nil {
		return err
	}
	s.checkpoints = store

	slog.Info("Checkpoint store opened", "path", s.config.CheckpointDir)
	return nil
}

// initEngine builds the workflow engine and its dependencies.
//
// Missing retrieval backends are left nil; the engine treats a nil
// backend as unavailable and falls back or fails with a sanitized error.
func (s *service) initEngine() {
	port := classifier.New(s.llmClient, classifier.DefaultConfig())
	defaults := workflow.DefaultPolicy()

	var retriever retrieval.KnowledgeRetriever
	if s.config.WeaviateURL != "" {
		r, err := retrieval.NewWeaviateRetriever(s.config.WeaviateURL, s.config.WeaviateClass)
		if err != nil {
			slog.Warn("Weaviate initialization failed, corpus retrieval disabled",
				"error", err)
		} else {
			retriever = r
			slog.Info("Weaviate retriever initialized",
				"url", s.config.WeaviateURL,
				"class", s.config.WeaviateClass)
		}
	} else {
		slog.Info("Weaviate URL not configured, corpus retrieval disabled")
	}

	var searcher retrieval.WebSearcher
	if s.config.TavilyAPIKey != "" {
		w, err := retrieval.NewTavilyClient(retrieval.TavilyConfig{
			APIKey:   s.config.TavilyAPIKey,
			Endpoint: s.config.TavilyURL,
		})
		if err != nil {
			slog.Warn("Tavily initialization failed, web search disabled",
				"error", err)
		} else {
			searcher = w
			slog.Info("Tavily web search initialized")
		}
	} else {
		slog.Info("Tavily API key not configured, web search disabled")
	}

	s.engine = workflow.NewEngine(workflow.Dependencies{
		Router:          workflow.NewRouter(port, defaults),
		Retriever:       retriever,
		WebSearcher:     searcher,
		DocumentGrader:  workflow.NewDocumentGrader(port, defaults),
		GroundingGrader: workflow.NewGroundingGrader(port, defaults),
		RelevanceGrader: workflow.NewRelevanceGrader(port, defaults),
		Generator:       workflow.NewGenerator(s.llmClient, 0),
		Checkpoints:     s.checkpoints,
	}, workflow.EngineConfig{
		MaxConcurrentRuns: s.config.MaxConcurrentRuns,
		DefaultMaxLoops:   s.config.DefaultMaxLoops,
	})
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("answerflow-service"))

	handler := NewAnswerHandler(s.engine, s.checkpoints)
	SetupRoutes(s.router, handler, s.config.EnableMetrics)
}

// cleanup releases resources held by the service.
func (s *service) cleanup() {
	if s.checkpoints != nil {
		if err := s.checkpoints.Close(); err != nil {
			slog.Warn("checkpoint store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
