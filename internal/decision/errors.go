package decision

import (
	"errors"
	"fmt"
	"time"

	"villagesim.ai/internal/protocol"
)

var (
	ErrMalformed     = errors.New("decision: malformed response")
	ErrPolicyBlocked = errors.New("decision: blocked by policy")
	ErrRateLimited   = errors.New("decision: rate limited")
	ErrCapability    = errors.New("decision: capability error")
)

// ValidationError names the field of a response that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decision: invalid response: %s", e.Reason)
	}
	return fmt.Sprintf("decision: invalid response: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrMalformed }

type PolicyBlockedError struct {
	Rule   string
	Reason string
}

func (e *PolicyBlockedError) Error() string {
	return fmt.Sprintf("decision: blocked by %s: %s", e.Rule, e.Reason)
}

func (e *PolicyBlockedError) Is(target error) bool { return target == ErrPolicyBlocked }

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("decision: rate limited, retry after %s", e.RetryAfter)
	}
	return "decision: rate limited"
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

type CapabilityError struct {
	Status  int
	Message string
}

func (e *CapabilityError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("decision: capability error: %s", e.Message)
	}
	return fmt.Sprintf("decision: capability error (status %d): %s", e.Status, e.Message)
}

func (e *CapabilityError) Is(target error) bool { return target == ErrCapability }

// Code maps an error from the decision pipeline to a protocol error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformed):
		return protocol.ErrMalformedDecision
	case errors.Is(err, ErrPolicyBlocked):
		return protocol.ErrPolicyBlocked
	case errors.Is(err, ErrRateLimited):
		return protocol.ErrRateLimit
	case errors.Is(err, ErrCapability):
		return protocol.ErrCapability
	default:
		return protocol.ErrInternal
	}
}

// Retryable reports whether a later attempt may succeed without any change.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCapability)
}
