// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// streamTimeout bounds a full ask round trip, generation included.
const streamTimeout = 10 * time.Minute

type askRequest struct {
	Query      string `json:"query"`
	SessionID  string `json:"session_id,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type workflowStepEvent struct {
	LoopStep   int    `json:"loop_step"`
	MaxRetries int    `json:"max_retries"`
	WebSearch  string `json:"web_search"`
}

type documentsEvent struct {
	Count int `json:"count"`
}

type chunkEvent struct {
	Content string `json:"content"`
}

type doneEvent struct {
	FinalAnswer string `json:"final_answer"`
	Status      string `json:"status"`
}

type errorEvent struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")

	// Allocate the session client-side so follow-up questions can reuse it.
	session := sessionID
	if session == "" {
		session = uuid.New().String()
	}

	fmt.Printf("Asking (session %s): %s\n", session, question)
	fmt.Println("---")

	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()

	status, err := streamAnswer(ctx, os.Stdout, serverURL, askRequest{
		Query:      question,
		SessionID:  session,
		MaxRetries: maxRetries,
	}, showSteps)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if status == "exhausted" {
		fmt.Println("\n(Note: the retry budget ran out; this is the best attempt.)")
	}
	fmt.Printf("\nContinue with: answerctl ask --session %s \"...\"\n", session)
}

// streamAnswer posts the question to the streaming endpoint and renders
// events as they arrive. It returns the terminal status from the done
// event.
func streamAnswer(ctx context.Context, out io.Writer, baseURL string, req askRequest, verbose bool) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/v1/answer/stream", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http post: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	var status string
	err = readSSE(resp.Body, func(event string, data []byte) error {
		switch event {
		case "workflow_step":
			if !verbose {
				return nil
			}
			var step workflowStepEvent
			if err := json.Unmarshal(data, &step); err != nil {
				return nil
			}
			fmt.Fprintf(out, "[attempt %d/%d, web search: %s]\n",
				step.LoopStep, step.MaxRetries, step.WebSearch)
		case "documents":
			if !verbose {
				return nil
			}
			var docs documentsEvent
			if err := json.Unmarshal(data, &docs); err != nil {
				return nil
			}
			fmt.Fprintf(out, "[using %d evidence documents]\n", docs.Count)
		case "chunk":
			var chunk chunkEvent
			if err := json.Unmarshal(data, &chunk); err != nil {
				return nil
			}
			fmt.Fprint(out, chunk.Content)
		case "done":
			var done doneEvent
			if err := json.Unmarshal(data, &done); err != nil {
				return nil
			}
			status = done.Status
			fmt.Fprintln(out)
		case "error":
			var errEvt errorEvent
			if err := json.Unmarshal(data, &errEvt); err != nil {
				return fmt.Errorf("workflow failed")
			}
			return fmt.Errorf("workflow failed: %s", errEvt.Message)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if status == "" {
		return "", fmt.Errorf("stream ended without a done event")
	}
	return status, nil
}

// readSSE parses a Server-Sent Events stream, invoking handle once per
// event. Comment lines (keep-alives) are skipped.
func readSSE(r io.Reader, handle func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				if err := handle(event, data); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, []byte(strings.TrimPrefix(line, "data: "))...)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	// Flush a final event not followed by a blank line.
	if event != "" || len(data) > 0 {
		return handle(event, data)
	}
	return nil
}

func runHistoryCommand(cmd *cobra.Command, args []string) {
	session := args[0]
	historyURL := fmt.Sprintf("%s/v1/sessions/%s/history", serverURL, url.PathEscape(session))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, historyURL, nil)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("Server error (%d): %s", resp.StatusCode, string(respBody))
	}

	var history struct {
		SessionID   string `json:"session_id"`
		Checkpoints []struct {
			Step      string `json:"step"`
			UpdatedAt string `json:"updated_at"`
		} `json:"checkpoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		log.Fatalf("Error parsing history: %v", err)
	}

	if len(history.Checkpoints) == 0 {
		fmt.Printf("No history for session %s\n", session)
		return
	}

	fmt.Printf("Session %s (%d checkpoints):\n", history.SessionID, len(history.Checkpoints))
	for i, cp := range history.Checkpoints {
		fmt.Printf("%3d. %-20s %s\n", i+1, cp.Step, cp.UpdatedAt)
	}
}

func runDeleteSessionCommand(cmd *cobra.Command, args []string) {
	session := args[0]
	deleteURL := fmt.Sprintf("%s/v1/sessions/%s", serverURL, url.PathEscape(session))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("Server error (%d): %s", resp.StatusCode, string(respBody))
	}

	fmt.Printf("Session %s deleted.\n", session)
}
