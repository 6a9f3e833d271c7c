package perplexity

import (
	"errors"
	"fmt"
	"net/http"

	"dossier/pkg/pipeline"
)

// APIError is a non-2xx response from the chat completions endpoint. It
// unwraps to the pipeline sentinel matching its status, so errors.Is works
// against pipeline.ErrRateLimited, pipeline.ErrAuth and the rest.
type APIError struct {
	operation  string
	statusCode int
	message    string
}

func newAPIError(operation string, statusCode int, message string) *APIError {
	return &APIError{operation: operation, statusCode: statusCode, message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.operation, e.statusCode, e.message)
}

// StatusCode returns the HTTP status code from the response.
func (e *APIError) StatusCode() int { return e.statusCode }

// Message returns the error message the API sent.
func (e *APIError) Message() string { return e.message }

func (e *APIError) Unwrap() error {
	switch s := e.statusCode; {
	case s == http.StatusTooManyRequests:
		return pipeline.ErrRateLimited
	case s >= 500:
		return pipeline.ErrUnavailable
	case s == http.StatusUnauthorized, s == http.StatusForbidden:
		return pipeline.ErrAuth
	case s == http.StatusPaymentRequired:
		return pipeline.ErrQuota
	case s == http.StatusBadRequest, s == http.StatusUnprocessableEntity:
		return pipeline.ErrMalformedRequest
	}
	return nil
}

// HasStatusCode reports whether err is an API error whose HTTP status code matches.
func HasStatusCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.statusCode == code
}
