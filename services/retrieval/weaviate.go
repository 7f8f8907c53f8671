// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultDocumentClass is the Weaviate class holding ingested chunks.
const DefaultDocumentClass = "DocumentChunk"

// weaviateRetriever implements KnowledgeRetriever over a Weaviate instance.
type weaviateRetriever struct {
	client *weaviate.Client
	class  string
	logger *slog.Logger
}

// NewWeaviateRetriever creates a KnowledgeRetriever for the given Weaviate URL.
//
// # Description
//
// Parses the URL, connects the client, and ensures the document class
// exists. The class is expected to hold {content, source} text properties
// populated by the ingestion pipeline.
//
// # Inputs
//
//   - weaviateURL: Full URL, e.g. "http://localhost:8080".
//   - class: Weaviate class name. Empty uses DefaultDocumentClass.
//
// # Outputs
//
//   - KnowledgeRetriever: Ready for Search calls.
//   - error: Non-nil if the URL is invalid or the client cannot be built.
func NewWeaviateRetriever(weaviateURL, class string) (KnowledgeRetriever, error) {
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	if class == "" {
		class = DefaultDocumentClass
	}

	r := &weaviateRetriever{
		client: client,
		class:  class,
		logger: slog.Default().With("component", "weaviate_retriever"),
	}
	r.ensureSchema(context.Background())

	return r, nil
}

// ensureSchema creates the document class if it does not exist.
//
// Failures are logged but not fatal: the server may simply be starting up,
// and Search reports unavailability properly when it happens.
func (r *weaviateRetriever) ensureSchema(ctx context.Context) {
	exists, err := r.client.Schema().ClassExistenceChecker().
		WithClassName(r.class).
		Do(ctx)
	if err != nil {
		r.logger.Warn("schema check failed", "class", r.class, "error", err)
		return
	}
	if exists {
		return
	}

	class := &models.Class{
		Class:       r.class,
		Description: "A chunk of an ingested document",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}, Description: "Chunk text"},
			{Name: "source", DataType: []string{"text"}, Description: "Origin document path"},
		},
	}

	if err := r.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		r.logger.Warn("schema creation failed", "class", r.class, "error", err)
		return
	}
	r.logger.Info("created Weaviate class", "class", r.class)
}

// Search returns up to k chunks relevant to query, most relevant first.
func (r *weaviateRetriever) Search(ctx context.Context, query string, k int) ([]EvidenceChunk, error) {
	tracer := otel.Tracer("retrieval")
	ctx, span := tracer.Start(ctx, "weaviate.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("class", r.class),
		attribute.Int("k", k),
	)

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
			{Name: "distance"},
		}},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.class).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate query failed")
		return nil, &UnavailableError{Backend: "weaviate", Cause: err}
	}
	if len(result.Errors) > 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, gqlErr := range result.Errors {
			messages = append(messages, gqlErr.Message)
		}
		err := fmt.Errorf("graphql errors: %s", strings.Join(messages, "; "))
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate query returned errors")
		return nil, &UnavailableError{Backend: "weaviate", Cause: err}
	}

	chunks := r.parseResults(result.Data)
	span.SetAttributes(attribute.Int("result_count", len(chunks)))

	r.logger.Debug("corpus search complete",
		"query_length", len(query),
		"result_count", len(chunks))

	return chunks, nil
}

// parseResults walks the GraphQL response into evidence chunks, keeping
// the server's relevance order.
func (r *weaviateRetriever) parseResults(data map[string]models.JSONObject) []EvidenceChunk {
	chunks := []EvidenceChunk{}

	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return chunks
	}
	objects, ok := get[r.class].([]interface{})
	if !ok {
		return chunks
	}

	for _, obj := range objects {
		fields, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		content := getString(fields, "content")
		if content == "" {
			continue
		}
		chunks = append(chunks, EvidenceChunk{
			Content: content,
			Source:  SourceInternal,
			Locator: getString(fields, "source"),
		})
	}

	return chunks
}

// getString extracts a string field from a GraphQL result object.
func getString(fields map[string]interface{}, key string) string {
	if value, ok := fields[key].(string); ok {
		return value
	}
	return ""
}

var _ KnowledgeRetriever = (*weaviateRetriever)(nil)
