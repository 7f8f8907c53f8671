// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/answerflow/services/answerer"
)

func runServeCommand(cmd *cobra.Command, args []string) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	backend := serveLLMBackend
	if backend == "" {
		backend = os.Getenv("LLM_BACKEND_TYPE")
	}

	cfg := answerer.Config{
		Port:          servePort,
		LLMBackend:    backend,
		WeaviateURL:   os.Getenv("WEAVIATE_SERVICE_URL"),
		TavilyAPIKey:  os.Getenv("TAVILY_API_KEY"),
		CheckpointDir: os.Getenv("CHECKPOINT_DIR"),
		OTelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EnableMetrics: true,
	}

	svc, err := answerer.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create answering service: %v", err)
	}
	if err := svc.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
