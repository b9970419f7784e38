package mensa

import (
	"errors"
	"fmt"
)

// UpstreamKind classifies upstream fetch failures.
type UpstreamKind int

const (
	KindUnreachable UpstreamKind = iota
	KindTimeout
	KindParseFailure
	KindNotFound // no plan exists for the requested day; valid and non-retryable
)

func (k UpstreamKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindParseFailure:
		return "parse_failure"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// UpstreamError wraps any failure talking to or interpreting the upstream
// menu source.
type UpstreamError struct {
	Kind UpstreamKind
	Op   string
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("openmensa %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("openmensa %s: %s", e.Op, e.Kind)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an UpstreamError of kind NotFound.
func IsNotFound(err error) bool {
	return kindOf(err) == KindNotFound
}

// IsTransient reports whether err is an upstream failure worth a stale
// fallback (unreachable, timeout, or unparseable response).
func IsTransient(err error) bool {
	switch kindOf(err) {
	case KindUnreachable, KindTimeout, KindParseFailure:
		return true
	}
	return false
}

func kindOf(err error) UpstreamKind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return UpstreamKind(-1)
}

// Kind extracts the UpstreamKind from err, or -1 when err is not an
// UpstreamError. Used for metrics labelling.
func Kind(err error) UpstreamKind { return kindOf(err) }
