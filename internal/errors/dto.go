package errors

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrorResponse represents the standard error response structure
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Display       string         `json:"message"`
	InternalError string         `json:"internal_error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// NewErrorResponse builds the client-facing error body from a marked error.
// Hints become the display message; safe details the structured payload.
func NewErrorResponse(err error) *ErrorResponse {
	if err == nil {
		return nil
	}

	detail := ErrorDetail{
		Display:       displayMessage(err),
		InternalError: err.Error(),
	}

	for _, d := range errors.GetSafeDetails(err).SafeDetails {
		const prefix = "__json__:"
		if strings.HasPrefix(d, prefix) {
			detail.Details = decodeDetails(strings.TrimPrefix(d, prefix))
			break
		}
	}

	return &ErrorResponse{Success: false, Error: detail}
}

func displayMessage(err error) string {
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		return strings.Join(hints, ": ")
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return ie.DisplayError()
	}
	return "something went wrong"
}

func decodeDetails(raw string) map[string]any {
	details := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil
	}
	return details
}
