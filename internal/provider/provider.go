// Package provider adapts concrete AI backends to a uniform invocation contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/raphaelgruber/annotator/internal/models"
)

// ErrFatalAPI indicates a non-recoverable provider failure (billing, auth, quota).
// Retrying will not help.
var ErrFatalAPI = errors.New("fatal API error")

// Options tunes a single invocation.
type Options struct {
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Result is a successful invocation.
type Result struct {
	Output     string
	TokensUsed int
	CostUSD    float64
	Duration   time.Duration
	// Provider is the backend that served the call.
	Provider string
}

// Provider invokes models on one backend.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, model, input string, opts Options) (Result, error)
}

// Error is a classified provider failure.
type Error struct {
	Kind    models.FailureKind
	Message string
	// Provider is the backend that failed, when known.
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == models.FailureTransient || e.Kind == models.FailureTimeout
}

// fatalPatterns match provider messages for failures retrying cannot fix.
// Rate limits are absent on purpose: they clear with time and go through backoff.
var fatalPatterns = []string{
	"credit balance",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"forbidden",
}

// fatalStatus matches 401/403 only where they read as an HTTP status, so ports,
// addresses and request ids containing those digits stay transient.
var fatalStatus = regexp.MustCompile(`\b(?:status(?:\s*code)?|http(?:/\d(?:\.\d)?)?)\s*[:=]?\s*40[13]\b`)

// isFatalAPIError checks provider error text for auth, billing and quota failures.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return fatalStatus.MatchString(msg)
}

// wrapFatalError marks fatal errors with ErrFatalAPI and returns others unchanged.
func wrapFatalError(err error) error {
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %w", ErrFatalAPI, err)
	}
	return err
}

// Classify converts any invocation error into an *Error.
// Deadline errors become timeouts, fatal API errors are fatal, everything else is transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: models.FailureTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, ErrFatalAPI), isFatalAPIError(err):
		return &Error{Kind: models.FailureFatal, Message: err.Error(), Err: wrapFatalError(err)}
	default:
		return &Error{Kind: models.FailureTransient, Message: err.Error(), Err: err}
	}
}
