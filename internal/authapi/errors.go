package authapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// APIError is a non-2xx answer from the platform API.
type APIError struct {
	Status  int
	Message string
	Errors  map[string][]string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.FirstValidationError()
	}
	if msg == "" {
		msg = strings.ToLower(http.StatusText(e.Status))
	}
	return fmt.Sprintf("api status %d: %s", e.Status, msg)
}

// FirstValidationError returns the first message of the alphabetically
// first field, or "".
func (e *APIError) FirstValidationError() string {
	if e == nil || len(e.Errors) == 0 {
		return ""
	}
	fields := make([]string, 0, len(e.Errors))
	for field := range e.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if msgs := e.Errors[field]; len(msgs) > 0 && msgs[0] != "" {
			return msgs[0]
		}
	}
	return ""
}

// ParseError reads both the flat {"message","errors"} body and the
// {"error":{"message","details"}} envelope.
func ParseError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var flat struct {
		Message string              `json:"message"`
		Errors  map[string][]string `json:"errors"`
		Error   *struct {
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return apiErr
	}
	apiErr.Message = flat.Message
	apiErr.Errors = flat.Errors
	if flat.Error != nil {
		if apiErr.Message == "" {
			apiErr.Message = flat.Error.Message
		}
		if len(apiErr.Errors) == 0 && len(flat.Error.Details) > 0 {
			var details map[string][]string
			if json.Unmarshal(flat.Error.Details, &details) == nil {
				apiErr.Errors = details
			}
		}
	}
	return apiErr
}

// ResolveMessage picks the user-facing text for err: the server message,
// then the first validation error, then fallback.
func ResolveMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if first := apiErr.FirstValidationError(); first != "" {
			return first
		}
	}
	return fallback
}
