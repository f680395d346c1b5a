package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Category groups transport failures by cause.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryServer        Category = "server"
	CategoryAuth          Category = "auth"
	CategoryTimeout       Category = "timeout"
	CategoryCompatibility Category = "compatibility"
	CategoryUnknown       Category = "unknown"
)

// Phase is the transport's lifecycle phase at the time of failure
// (the readyState equivalent).
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Env selects heuristics that differ between local development and
// production (a closed transport usually means a dead local server in
// dev, a flaky network in prod).
type Env int

const (
	EnvProd Env = iota
	EnvDev
)

// ParseEnv converts a config string to an Env.
func ParseEnv(s string) (Env, error) {
	switch strings.ToLower(s) {
	case "", "prod", "production":
		return EnvProd, nil
	case "dev", "development":
		return EnvDev, nil
	}
	return EnvProd, fmt.Errorf("unknown env %q (want prod or dev)", s)
}

// Classification is the result of classifying a failure.
type Classification struct {
	Category  Category
	Message   string
	Retryable bool
}

// ClassifiedError carries a classification alongside the underlying error.
type ClassifiedError struct {
	Classification
	Err error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Wrap classifies err and returns it as a ClassifiedError.
func Wrap(err error, phase Phase, env Env) *ClassifiedError {
	return &ClassifiedError{Classification: Classify(err, phase, env), Err: err}
}

// Classify maps a raw transport failure to a category, user-facing
// message, and retryability flag. Explicit close-reason keywords take
// precedence over phase-based fallbacks. No side effects.
func Classify(err error, phase Phase, env Env) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Message: "unknown failure", Retryable: true}
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if c, ok := classifyClose(closeErr); ok {
			return c
		}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "unauthorized", "forbidden", "authentication", "auth failed", "401", "403"):
		return Classification{Category: CategoryAuth, Message: "authentication rejected", Retryable: false}

	case containsAny(msg, "unsupported", "malformed url", "not supported", "bad scheme"):
		return Classification{Category: CategoryCompatibility, Message: "endpoint not supported", Retryable: false}

	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err) || containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return Classification{Category: CategoryTimeout, Message: "connection timed out", Retryable: true}

	case containsAny(msg, "internal server error", "server error", "bad gateway", "service unavailable", "500", "502", "503", "504"):
		return Classification{Category: CategoryServer, Message: "server error", Retryable: true}

	case containsAny(msg, "connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable", "eof"):
		return Classification{Category: CategoryNetwork, Message: "network error", Retryable: true}
	}

	return phaseFallback(phase, env)
}

// classifyClose inspects a WebSocket close frame. Reason text keywords
// win over the numeric code.
func classifyClose(ce *websocket.CloseError) (Classification, bool) {
	reason := strings.ToLower(ce.Text)

	switch {
	case containsAny(reason, "auth", "unauthorized", "forbidden", "401", "403"):
		return Classification{Category: CategoryAuth, Message: "authentication rejected", Retryable: false}, true
	case containsAny(reason, "server", "internal", "5xx", "500", "502", "503"):
		return Classification{Category: CategoryServer, Message: "server closed the connection", Retryable: true}, true
	case containsAny(reason, "timeout", "timed out"):
		return Classification{Category: CategoryTimeout, Message: "connection timed out", Retryable: true}, true
	}

	switch ce.Code {
	case websocket.ClosePolicyViolation:
		return Classification{Category: CategoryAuth, Message: "authentication rejected", Retryable: false}, true
	case websocket.CloseInternalServerErr, websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
		return Classification{Category: CategoryServer, Message: "server closed the connection", Retryable: true}, true
	case websocket.CloseUnsupportedData, websocket.CloseMandatoryExtension:
		return Classification{Category: CategoryCompatibility, Message: "endpoint not supported", Retryable: false}, true
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return Classification{Category: CategoryNetwork, Message: "connection closed by peer", Retryable: true}, true
	case websocket.CloseAbnormalClosure:
		return Classification{Category: CategoryNetwork, Message: "connection lost", Retryable: true}, true
	}

	return Classification{}, false
}

func phaseFallback(phase Phase, env Env) Classification {
	switch phase {
	case PhaseConnecting:
		return Classification{Category: CategoryNetwork, Message: "connection failed", Retryable: true}
	case PhaseOpen, PhaseClosing:
		return Classification{Category: CategoryNetwork, Message: "connection lost", Retryable: true}
	case PhaseClosed:
		if env == EnvDev {
			return Classification{Category: CategoryServer, Message: "server unreachable", Retryable: true}
		}
		return Classification{Category: CategoryNetwork, Message: "network error", Retryable: true}
	}
	return Classification{Category: CategoryUnknown, Message: "unknown failure", Retryable: true}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
