package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a resolution failure. NotLive is deliberately absent:
// an offline channel is a valid negative result and comes back as a
// descriptor with Live=false, never as an error.
type Kind int

const (
	// KindTransient covers network faults, timeouts, rate limiting and
	// server errors. Retryable under the scheduler's backoff policy.
	KindTransient Kind = iota
	// KindAuthRequired means the platform rejected the request for missing
	// or expired credentials. Not retryable without operator action.
	KindAuthRequired
	// KindUnsupported means the platform answered with a shape this
	// resolver cannot parse, usually an API change. Not retryable;
	// surfaced for diagnostics.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthRequired:
		return "auth_required"
	case KindUnsupported:
		return "unsupported_response"
	default:
		return "unknown"
	}
}

// Error is a classified resolution failure.
type Error struct {
	Kind     Kind
	Platform string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable network-level failure.
func Transient(platform string, err error) error {
	return &Error{Kind: KindTransient, Platform: platform, Err: err}
}

// AuthRequired wraps err as a credentials failure.
func AuthRequired(platform string, err error) error {
	return &Error{Kind: KindAuthRequired, Platform: platform, Err: err}
}

// Unsupported wraps err as an unparseable-response failure.
func Unsupported(platform string, err error) error {
	return &Error{Kind: KindUnsupported, Platform: platform, Err: err}
}

// KindOf classifies any error from a resolver. Unclassified errors default
// to transient so the scheduler does not give up on a channel too early.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "login required"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "access denied"):
		return KindAuthRequired
	}
	return KindTransient
}

// IsRetryable reports whether the scheduler should retry under backoff
// rather than demote the channel to degraded.
func IsRetryable(err error) bool { return KindOf(err) == KindTransient }
