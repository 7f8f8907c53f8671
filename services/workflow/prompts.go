// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/answerflow/services/retrieval"
)

// routerInstructions asks the model to pick an evidence source.
const routerInstructions = `You are an expert at routing a user question to a knowledge base or web search.

The knowledge base contains documents the user has ingested into this system. Use it for questions about the content of those documents or the subjects they cover.

Use web search for current events and for questions clearly outside the ingested material.

Return JSON with a single key "datasource" that is either "websearch" or "vectorstore" depending on the question.`

// docGraderInstructions asks for a per-chunk relevance verdict.
const docGraderInstructions = `You are a grader assessing the relevance of a retrieved document to a user question.

If the document contains keywords or semantic meaning related to the question, grade it as relevant. The goal is to filter out clearly erroneous retrievals, not to demand a perfect match.

Return JSON with a single key "binary_score" that is "yes" or "no" to indicate whether the document is relevant to the question.`

// groundingGraderInstructions asks whether an answer is supported by facts.
const groundingGraderInstructions = `You are a teacher grading a student answer against a set of facts.

Grade "yes" when the answer is grounded in the facts and does not contain claims outside of them. Grade "no" when the answer hallucinates information that the facts do not support.

Return JSON with two keys: "binary_score" ("yes" or "no") and "explanation" (a short justification of the grade).`

// relevanceGraderInstructions asks whether an answer resolves the question.
const relevanceGraderInstructions = `You are a teacher grading whether a student answer actually addresses a question.

Grade "yes" when the answer helps resolve the question. Grade "no" when it is off topic or dodges the question. The answer may include extra correct information and still grade "yes".

Return JSON with two keys: "binary_score" ("yes" or "no") and "explanation" (a short justification of the grade).`

// docGraderInput formats one chunk-question pair for the document grader.
func docGraderInput(query, document string) string {
	return fmt.Sprintf("Here is the retrieved document:\n\n%s\n\nHere is the user question:\n\n%s", document, query)
}

// groundingGraderInput formats the evidence and draft for the grounding grader.
func groundingGraderInput(evidence []retrieval.EvidenceChunk, draft string) string {
	return fmt.Sprintf("FACTS:\n\n%s\n\nSTUDENT ANSWER:\n\n%s", formatEvidence(evidence), draft)
}

// relevanceGraderInput formats the question and draft for the relevance grader.
func relevanceGraderInput(query, draft string) string {
	return fmt.Sprintf("QUESTION:\n\n%s\n\nSTUDENT ANSWER:\n\n%s", query, draft)
}

// generationSystemPrompt frames the answering task.
const generationSystemPrompt = `You are an assistant for question-answering tasks. Answer the question using the provided context. If the context does not contain the answer, say what you know and be explicit about uncertainty. Keep the answer concise.`

// generationUserPrompt builds the final user message for the generator.
func generationUserPrompt(query string, evidence []retrieval.EvidenceChunk) string {
	if len(evidence) == 0 {
		return fmt.Sprintf("No context is available for this question.\n\nQuestion: %s\n\nAnswer:", query)
	}
	return fmt.Sprintf("Context:\n\n%s\n\nQuestion: %s\n\nAnswer:", formatEvidence(evidence), query)
}

// formatEvidence renders evidence chunks as a numbered block.
func formatEvidence(evidence []retrieval.EvidenceChunk) string {
	var b strings.Builder
	for i, chunk := range evidence {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, chunk.Content)
		if chunk.Locator != "" {
			fmt.Fprintf(&b, "\n(source: %s)", chunk.Locator)
		}
	}
	return b.String()
}
