package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/cart/internal/platform/requestctx"
)

// Error is the JSON error envelope returned by the API.
type Error struct {
	Code    string
	Message string
	Status  int
	// RetryAfter, when positive, is sent as a Retry-After header rounded up to whole seconds.
	RetryAfter time.Duration
}

// NewError constructs a new Error with the provided parameters.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// ErrorRule maps a domain sentinel to the envelope written when an error wraps it.
type ErrorRule struct {
	Target error
	Code   string
	Status int
	// Message replaces the error text when set, keeping dependency details out of responses.
	Message    string
	RetryAfter time.Duration
}

// Classify returns the envelope for the first rule whose Target err wraps.
func Classify(err error, rules []ErrorRule) (Error, bool) {
	if err == nil {
		return Error{}, false
	}
	for _, rule := range rules {
		if rule.Target == nil || !errors.Is(err, rule.Target) {
			continue
		}
		message := rule.Message
		if message == "" {
			message = err.Error()
		}
		out := NewError(rule.Code, message, rule.Status)
		out.RetryAfter = rule.RetryAfter
		return out, true
	}
	return Error{}, false
}

// WriteError writes the envelope, stamping the chi request id and the trace id when present.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if requestID := sanitize(middleware.GetReqID(ctx), 80); requestID != "" {
		payload["request_id"] = requestID
	}
	if info, ok := requestctx.Trace(ctx); ok {
		if traceID := sanitize(info.TraceID, 64); traceID != "" {
			payload["trace_id"] = traceID
		}
	}

	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(err.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
