package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/logging"
)

// genericErrorMessage is all a client sees of an unclassified failure.
const genericErrorMessage = "something went wrong, please try again"

type errorResponse struct {
	Error string `json:"error"`
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	WaitTimeMs int64  `json:"waitTimeMs"`
	RetryAfter int    `json:"retryAfter"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("failed to encode response")
	}
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var verr *core.ValidationError
	var rerr *core.RateLimitError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrSessionPermission):
		return http.StatusForbidden
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &rerr):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a pre-stream failure. Unclassified errors are logged
// with op and never shown to the client.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)

	var rerr *core.RateLimitError
	if errors.As(err, &rerr) {
		retryAfter := rerr.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, status, rateLimitResponse{
			Error:      "rate limit exceeded",
			WaitTimeMs: rerr.WaitTime.Milliseconds(),
			RetryAfter: retryAfter,
		})
		return
	}

	if status == http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("op", op).Msg("request failed")
		writeJSON(w, status, errorResponse{Error: genericErrorMessage})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeJSON reads a JSON object body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &core.ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	return nil
}
