// Package providers implements the concrete LLM backends. Each provider
// converts the neutral completion request to its wire format, streams
// the response back as CompletionChunks, and classifies failures into
// the shared error taxonomy so retry decisions live in one place.
package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/retry"
)

// classify wraps a backend failure into the error taxonomy:
// auth/billing problems are configuration errors (retrying cannot help),
// rate limits and server-side failures are transient, and everything
// else is a logical failure of this particular request.
func classify(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	label := provider
	if model != "" {
		label = provider + "/" + model
	}
	msg := strings.ToLower(err.Error())

	switch {
	case mentionsStatus(msg, http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired),
		strings.Contains(msg, "api key"),
		strings.Contains(msg, "credential"),
		strings.Contains(msg, "quota"):
		return errs.Configuration(label, err)

	case mentionsStatus(msg, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "overloaded"),
		errs.IsTransientMessage(msg):
		return errs.Transient(label, err)

	default:
		return errs.Logical(label, err)
	}
}

// classifyStatus wraps an HTTP status observed directly, bypassing
// string matching.
func classifyStatus(provider, model string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(body))
	label := provider
	if model != "" {
		label = provider + "/" + model
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusPaymentRequired:
		return errs.Configuration(label, err)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return errs.Transient(label, err)
	default:
		return errs.Logical(label, err)
	}
}

func mentionsStatus(msg string, statuses ...int) bool {
	for _, status := range statuses {
		if strings.Contains(msg, strconv.Itoa(status)) {
			return true
		}
	}
	return false
}

// retryable reports whether a classified error is worth another attempt.
func retryable(err error) bool {
	var transient *errs.TransientError
	return errors.As(err, &transient)
}

// streamRetryConfig is the shared backoff schedule for opening a stream.
func streamRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

// openStream runs open() under the shared retry policy, classifying each
// failure first so only transient errors burn attempts.
func openStream[S any](ctx context.Context, provider, model string, open func() (S, error)) (S, error) {
	stream, result := retry.DoWithValue(ctx, streamRetryConfig(), func() (S, error) {
		s, err := open()
		if err != nil {
			classified := classify(provider, model, err)
			if !retryable(classified) {
				return s, retry.Permanent(classified)
			}
			return s, classified
		}
		return s, nil
	})
	return stream, result.Err
}

// fail closes a chunk channel after delivering one terminal error.
func fail(chunks chan<- *llm.CompletionChunk, err error) {
	chunks <- &llm.CompletionChunk{Error: err, Done: true}
}

// base64Decode decodes attachment bytes, which travel as base64 text.
func base64Decode(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
