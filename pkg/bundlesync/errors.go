package bundlesync

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// APIError is a non-2xx answer from the coordination service. It is never
// retried.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Endpoint, e.StatusCode, body)
}

// TransportError is a request that never produced an HTTP response after all
// attempts were spent.
type TransportError struct {
	Method   string
	Endpoint string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Method, e.Endpoint, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResolutionError reports a run whose input item cannot be identified. The
// local inputs are out of date with the bundle and must be pulled again.
type ResolutionError struct {
	TraceID string
	Input   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("input_item_id not found for trace %s. Run sync pull first.", e.TraceID)
}

func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
