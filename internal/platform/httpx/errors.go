package httpx

import (
	"context"
	"errors"
	"net/http"
)

// RespondError is the fallback mapping for errors no handler claimed.
// Timeouts and cancellations surface as retryable 503s so clients back off
// instead of assuming a partial write.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Storage Unavailable", "the operation timed out; retry with backoff")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
