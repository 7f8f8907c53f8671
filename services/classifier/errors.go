// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

// FormatError indicates the model responded but the response could not be
// parsed into the expected decision schema.
//
// Callers are expected to absorb this error with their safe default rather
// than surface it to the user.
type FormatError struct {
	// Raw is the unparseable model output (truncated for logging).
	Raw string

	// Reason describes what was wrong with the output.
	Reason string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("classifier format error: %s", e.Reason)
}

// UnavailableError indicates the model call itself failed (transport error,
// timeout, provider outage) after retries were exhausted.
type UnavailableError struct {
	// Cause is the underlying transport or provider error.
	Cause error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("classifier unavailable: %v", e.Cause)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// Helper Functions
// =============================================================================

// IsFormatError checks if an error is a FormatError.
func IsFormatError(err error) bool {
	var formatErr *FormatError
	return errors.As(err, &formatErr)
}

// IsUnavailableError checks if an error is an UnavailableError.
func IsUnavailableError(err error) bool {
	var unavailErr *UnavailableError
	return errors.As(err, &unavailErr)
}
