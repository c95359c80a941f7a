// Package apierr writes OpenAI-compatible error envelopes and maps gateway
// and upstream failures to HTTP statuses.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeBackendError   = "backend_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeKeysExhausted     = "keys_exhausted"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
	CodeBackendError      = "backend_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeUnavailable       = "service_unavailable"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// statusCoder is implemented by upstream errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteExhausted writes the 429 returned when every key is cooling down.
func WriteExhausted(ctx *fasthttp.RequestCtx, message string, retryAfter time.Duration) {
	SetRetryAfter(ctx, retryAfter)
	Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeKeysExhausted)
}

// WriteRateLimit writes the 429 of the inbound RPM guard.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	SetRetryAfter(ctx, retryAfter)
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteTimeout writes a 504.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "backend request timed out", TypeBackendError, CodeRequestTimeout)
}

// WriteUnavailable writes the 503 returned when a request is abandoned
// because the gateway is shutting down.
func WriteUnavailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "gateway is shutting down", TypeServerError, CodeUnavailable)
}

// WriteBackendError maps a non-quota upstream failure. message is written
// verbatim.
//
//	canceled          → 503
//	deadline exceeded → 504
//	upstream 4xx      → same status
//	upstream 5xx      → 502
//	no status         → 502
func WriteBackendError(ctx *fasthttp.RequestCtx, err error, message string) {
	if errors.Is(err, context.Canceled) {
		WriteUnavailable(ctx)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		Write(ctx, fasthttp.StatusGatewayTimeout, message, TypeBackendError, CodeRequestTimeout)
		return
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if s := sc.HTTPStatus(); s >= 400 && s < 500 {
			Write(ctx, s, message, TypeInvalidRequest, CodeBackendError)
			return
		}
	}
	Write(ctx, fasthttp.StatusBadGateway, message, TypeBackendError, CodeBackendError)
}

// SetRetryAfter sets the Retry-After header in whole seconds, at least 1.
func SetRetryAfter(ctx *fasthttp.RequestCtx, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
}
