package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	gobreaker "github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/codes"

	"github.com/markdave123-py/kbchat/internal/core"
)

// classifyError wraps err in a GenerationError with its retryability.
// Quota, auth and request errors are final; outages and timeouts are not.
func classifyError(op string, err error) *core.GenerationError {
	var gerr *core.GenerationError
	if errors.As(err, &gerr) {
		return gerr
	}
	return &core.GenerationError{Op: op, Err: err, Retryable: retryable(err)}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return false
	}

	if ae, ok := apierror.FromError(err); ok {
		if code := ae.HTTPCode(); code != -1 {
			return retryableHTTP(code)
		}
		if st := ae.GRPCStatus(); st != nil {
			return retryableGRPC(st.Code())
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableHTTP(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusUnauthorized, code == http.StatusForbidden:
		return false
	case code == http.StatusRequestTimeout, code >= 500:
		return true
	default:
		return false
	}
}

func retryableGRPC(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted, codes.Unknown:
		return true
	default:
		// ResourceExhausted (quota), PermissionDenied, Unauthenticated and
		// InvalidArgument land here.
		return false
	}
}
