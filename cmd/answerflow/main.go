// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command answerflow starts the answering HTTP server.
//
// This is the main entry point for the containerized service. It reads
// configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ANSWERFLOW_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: model provider - openai, ollama (default: ollama)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - TAVILY_API_KEY: Tavily web search API key (optional)
//   - CHECKPOINT_DIR: BadgerDB checkpoint directory (default: ./data/checkpoints)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: localhost:4317)
//   - MAX_CONCURRENT_RUNS: workflow concurrency bound (default: 16)
//   - DEFAULT_MAX_LOOPS: generation budget per run (default: 3)
//
// # Usage
//
//	# Build
//	go build -o answerflow ./cmd/answerflow
//
//	# Run
//	./answerflow
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/answerflow/services/answerer"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := answerer.Config{
		Port:              getEnvInt("ANSWERFLOW_PORT", 12310),
		LLMBackend:        getEnvString("LLM_BACKEND_TYPE", "ollama"),
		WeaviateURL:       os.Getenv("WEAVIATE_SERVICE_URL"),
		TavilyAPIKey:      os.Getenv("TAVILY_API_KEY"),
		CheckpointDir:     getEnvString("CHECKPOINT_DIR", "./data/checkpoints"),
		OTelEndpoint:      getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		EnableMetrics:     true,
		MaxConcurrentRuns: int64(getEnvInt("MAX_CONCURRENT_RUNS", 16)),
		DefaultMaxLoops:   getEnvInt("DEFAULT_MAX_LOOPS", 3),
	}

	slog.Info("Starting answerflow",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
		"web_search_enabled", cfg.TavilyAPIKey != "",
	)

	svc, err := answerer.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create answering service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
