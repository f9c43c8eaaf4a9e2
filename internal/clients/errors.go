// Package clients holds the outbound gRPC clients for the catalog and inventory services
// together with the error vocabulary they share.
package clients

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/cart/internal/platform/retry"
)

var (
	// ErrUnavailable marks transport failures that outlived the retry policy.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrRejected marks calls the upstream answered with a non-OK result status.
	ErrRejected = errors.New("upstream rejected request")
	// ErrInvalidResponse marks replies that could not be interpreted.
	ErrInvalidResponse = errors.New("upstream returned invalid response")
)

// UpstreamError describes a failed call to a dependency.
type UpstreamError struct {
	Service string
	Method  string
	Code    string
	Message string
	kind    error
	Err     error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s.%s: %v", e.Service, e.Method, e.kind)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the classification sentinel and the underlying cause.
func (e *UpstreamError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.kind != nil {
		out = append(out, e.kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Rejected builds an error for a non-OK result status returned in the reply body.
func Rejected(service, method, code, message string) error {
	return &UpstreamError{Service: service, Method: method, Code: code, Message: message, kind: ErrRejected}
}

// InvalidResponse builds an error for a reply that failed validation.
func InvalidResponse(service, method string, err error) error {
	return &UpstreamError{Service: service, Method: method, kind: ErrInvalidResponse, Err: err}
}

// Classify converts a transport error into an UpstreamError. Context cancellation passes through untouched.
func Classify(service, method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return err
	}
	code := status.Code(err)
	kind := ErrUnavailable
	switch {
	case errors.Is(err, retry.ErrExhausted), errors.Is(err, context.DeadlineExceeded), retry.IsTransient(err):
	case code == codes.InvalidArgument, code == codes.NotFound, code == codes.FailedPrecondition, code == codes.PermissionDenied:
		kind = ErrRejected
	case code == codes.Internal, code == codes.Unimplemented, code == codes.DataLoss:
		kind = ErrInvalidResponse
	}
	return &UpstreamError{Service: service, Method: method, Code: code.String(), kind: kind, Err: err}
}
