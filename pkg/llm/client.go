// Package llm abstracts the model providers behind a single completion
// interface so the router can swap and fall back between them.
package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
)

// Request is one completion call.
type Request struct {
	// Model is the provider-specific model identifier.
	Model string
	// System is the system prompt, optional.
	System string
	// Prompt is the user message.
	Prompt string
	// MaxTokens caps the completion length.
	MaxTokens int
	// Temperature, 0 leaves the provider default.
	Temperature float64
}

// Response is a completed generation.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Client is a single provider connection.
type Client interface {
	// Complete runs one completion. Implementations return provider errors
	// unwrapped enough for IsTransient to classify them.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Provider names the backing provider, e.g. "anthropic".
	Provider() string
}

// IsTransient reports whether an error is worth retrying: timeouts, broken
// connections, rate limits and provider 5xx responses. Schema and auth
// errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var aerr *anthropicsdk.Error
	if errors.As(err, &aerr) {
		return retryableStatus(aerr.StatusCode)
	}
	var oerr *openaisdk.Error
	if errors.As(err, &oerr) {
		return retryableStatus(oerr.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected eof",
		"rate limit",
		"overloaded",
		"service unavailable",
		"timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
