package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUndecodable marks a stream fragment that could not be turned into text,
// typically because a content policy blocked it.
var ErrUndecodable = errors.New("backend: undecodable fragment")

// StatusResourceExhausted is the backend status reported on quota errors.
const StatusResourceExhausted = "RESOURCE_EXHAUSTED"

// Error is a structured error returned by a backend API.
type Error struct {
	Backend    string
	StatusCode int
	Status     string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Backend, e.Message, e.StatusCode, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements the StatusCoder contract used at the HTTP boundary.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// quotaMarkers are matched case-insensitively against error text.
var quotaMarkers = []string{"429", "quota", "exhausted"}

// IsQuota reports whether err means the key used for the call ran out of
// quota. Structured signals win; the text markers cover errors that reach us
// without a status, e.g. wrapped transport errors.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var be *Error
	if errors.As(err, &be) {
		if be.StatusCode == http.StatusTooManyRequests || be.Status == StatusResourceExhausted {
			return true
		}
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// MessageOf returns the upstream message of err without the decoration added
// by Error.Error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return err.Error()
}

// Classify returns a short, bounded label for metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsQuota(err):
		return "quota"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch s := sc.HTTPStatus(); {
		case s >= 500:
			return "server_error"
		case s >= 400:
			return "client_error"
		}
	}
	return "transport"
}
