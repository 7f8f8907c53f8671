// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BinaryDecision is a yes/no verdict with an optional explanation.
type BinaryDecision struct {
	// Score is true for "yes", false for "no".
	Score bool

	// Explanation is the model's reasoning, when the schema asks for one.
	Explanation string
}

// ParseBinary interprets a decision of the form
// {"binary_score": "yes"|"no", "explanation": "..."}.
//
// The explanation field is optional. Any binary_score value other than
// "yes" or "no" (case-insensitive) is a *FormatError.
func ParseBinary(raw json.RawMessage) (BinaryDecision, error) {
	var payload struct {
		BinaryScore string `json:"binary_score"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return BinaryDecision{}, &FormatError{Raw: truncate(string(raw), 200), Reason: fmt.Sprintf("invalid binary decision: %v", err)}
	}

	switch strings.ToLower(strings.TrimSpace(payload.BinaryScore)) {
	case "yes":
		return BinaryDecision{Score: true, Explanation: payload.Explanation}, nil
	case "no":
		return BinaryDecision{Score: false, Explanation: payload.Explanation}, nil
	default:
		return BinaryDecision{}, &FormatError{
			Raw:    truncate(string(raw), 200),
			Reason: fmt.Sprintf("binary_score must be yes or no, got %q", payload.BinaryScore),
		}
	}
}

// ParseChoice interprets a decision with a single string field, validating
// the value against an allowed set.
//
// Example: ParseChoice(raw, "datasource", []string{"websearch", "vectorstore"}).
func ParseChoice(raw json.RawMessage, field string, allowed []string) (string, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", &FormatError{Raw: truncate(string(raw), 200), Reason: fmt.Sprintf("invalid choice decision: %v", err)}
	}

	valueRaw, ok := payload[field]
	if !ok {
		return "", &FormatError{Raw: truncate(string(raw), 200), Reason: fmt.Sprintf("missing field %q", field)}
	}

	var value string
	if err := json.Unmarshal(valueRaw, &value); err != nil {
		return "", &FormatError{Raw: truncate(string(raw), 200), Reason: fmt.Sprintf("field %q is not a string", field)}
	}

	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if value == candidate {
			return value, nil
		}
	}

	return "", &FormatError{
		Raw:    truncate(string(raw), 200),
		Reason: fmt.Sprintf("field %q has unexpected value %q (allowed: %s)", field, value, strings.Join(allowed, ", ")),
	}
}
