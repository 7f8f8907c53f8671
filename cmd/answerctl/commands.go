// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL  string
	sessionID  string
	maxRetries int
	showSteps  bool

	servePort       int
	serveLLMBackend string

	rootCmd = &cobra.Command{
		Use:   "answerctl",
		Short: "A cli for the answerflow adaptive answering service",
		Long: `Answerctl runs and talks to the answerflow service: a
retrieval-augmented answering workflow that routes between a document
corpus and web search, grades its own evidence, and retries ungrounded
answers.`,
	}

	// --- Ask ---
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Asks a question and streams the answer as it is generated",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_ask.go
	}

	// --- Serve ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the answering HTTP server",
		Run:   runServeCommand, // Defined in cmd_serve.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Inspect conversation sessions",
	}
	historyCmd = &cobra.Command{
		Use:   "history [session_id]",
		Short: "Show the checkpoint history for a session",
		Args:  cobra.ExactArgs(1),
		Run:   runHistoryCommand, // Defined in cmd_ask.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a session and its checkpoints",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteSessionCommand, // Defined in cmd_ask.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:12310",
		"Base URL of the answering server")

	askCmd.Flags().StringVar(&sessionID, "session", "",
		"Session ID to continue a previous conversation")
	askCmd.Flags().IntVar(&maxRetries, "max-retries", 0,
		"Generation attempts before giving up (server default when 0)")
	askCmd.Flags().BoolVar(&showSteps, "steps", false,
		"Print workflow step events as they happen")

	serveCmd.Flags().IntVar(&servePort, "port", 12310, "HTTP server port")
	serveCmd.Flags().StringVar(&serveLLMBackend, "llm-backend", "",
		"Model provider: openai or ollama (LLM_BACKEND_TYPE when empty)")

	sessionCmd.AddCommand(historyCmd, deleteSessionCmd)
	rootCmd.AddCommand(askCmd, serveCmd, sessionCmd)
}
