package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies LLM call failures. Transient kinds are retried by the
// batch orchestrator with backoff; permanent kinds fail the attempt
// immediately.
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorNetwork
	ErrorRateLimit
	ErrorTimeout
	ErrorServer
	ErrorClient // 4xx other than rate limit: retrying will not help
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNetwork:
		return "network"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorTimeout:
		return "timeout"
	case ErrorServer:
		return "server"
	case ErrorClient:
		return "client"
	default:
		return "unknown"
	}
}

// ErrEmptyResponse is returned when the model produced no text content.
var ErrEmptyResponse = errors.New("model returned empty response")

// Classify inspects an error and buckets it into an ErrorKind. The SDK does
// not expose structured error types for every failure mode, so this checks
// the error string the same way the HTTP status would read.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") || strings.Contains(msg, "overloaded") {
		return ErrorRateLimit
	}

	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return ErrorServer
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network") ||
		strings.Contains(msg, "temporary failure") {
		return ErrorNetwork
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return ErrorTimeout
	}

	if strings.Contains(msg, "400") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "404") {
		return ErrorClient
	}

	return ErrorUnknown
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	switch Classify(err) {
	case ErrorNetwork, ErrorRateLimit, ErrorTimeout, ErrorServer:
		return true
	default:
		return false
	}
}
