// Package errors provides the error taxonomy of the refinement engine.
//
// Every failure is classified by Kind. Stage-local kinds (transient network,
// parse, validation) are absorbed by the stage that produced them and tallied
// in the run summary; only KindConfiguration is surfaced to the caller.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Error carries a Kind through wrapping so a stage can decide whether to
// retry, degrade or abort without string matching.
type Error struct {
	Kind    Kind
	Op      string // "package.Func" of the failing call
	Message string
	Err     error
}

type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindParse
	KindValidation
	KindConfiguration
	KindTimeout
	KindRateLimit
	KindNotFound
	KindInternal
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindTransientNetwork: "transient_network",
	KindParse:            "parse",
	KindValidation:       "validation",
	KindConfiguration:    "configuration",
	KindTimeout:          "timeout",
	KindRateLimit:        "rate_limit",
	KindNotFound:         "not_found",
	KindInternal:         "internal",
}

// String is the snake_case name used in run summaries.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// MarshalText lets Kind be used as a JSON map key.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error renders "op: message: cause", omitting empty parts.
func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Op, e.Message} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so sentinels such as
// ErrEmptyResponse work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// APIError is a non-2xx answer from a feed or model backend. Service is the
// short remote name ("kev", "nvd", "openai"); Message holds a body excerpt.
type APIError struct {
	Service    string `json:"service"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s] %s", e.Service, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("[%s] %s: %s", e.Service, http.StatusText(e.StatusCode), e.Message)
}

// E builds an Error from a Kind, an error and up to two strings: the first
// is Op, the second Message.
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

func New(message string) error {
	return &Error{Message: message}
}

// Wrap attaches op to err and records its classified Kind.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: Classify(err), Err: err}
}

// Configuration builds a fatal configuration error.
func Configuration(op, message string) error {
	return &Error{Kind: KindConfiguration, Op: op, Message: message}
}

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Classify returns the kind carried by err, inferring one for foreign errors:
// context deadlines become KindTimeout, net errors and 5xx/429 API errors
// become KindTransientNetwork or KindRateLimit.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if k := GetKind(err); k != KindUnknown {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if apiErr, ok := IsAPIError(err); ok {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimit
		case apiErr.StatusCode == http.StatusNotFound:
			return KindNotFound
		case apiErr.StatusCode >= 500:
			return KindTransientNetwork
		default:
			return KindUnknown
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransientNetwork
	}
	return KindUnknown
}

func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsConfigurationError reports whether err must abort the run.
func IsConfigurationError(err error) bool {
	return GetKind(err) == KindConfiguration
}

// IsParseError reports whether err came from malformed backend output.
func IsParseError(err error) bool {
	return GetKind(err) == KindParse
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransientNetwork, KindTimeout, KindRateLimit:
		// 501 Not Implemented will not start working on a retry
		if apiErr, ok := IsAPIError(err); ok && apiErr.StatusCode == http.StatusNotImplemented {
			return false
		}
		return true
	}
	return false
}

var (
	ErrMissingCredentials = &Error{Kind: KindConfiguration, Message: "model credentials are required"}
	ErrEmptyResponse      = &Error{Kind: KindParse, Message: "empty response"}
)
