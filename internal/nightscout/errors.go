// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationMissing means no request was sent because the base URL
	// (or, for authenticated calls, both credentials) is not configured.
	ErrConfigurationMissing = errors.New("nightscout: configuration missing")

	// ErrTransport covers connection failures, timeouts, cancellation and
	// circuit breaker rejections.
	ErrTransport = errors.New("nightscout: transport failure")
)

// HTTPStatusError is returned for non-2xx responses that are not the
// duplicate sentinel.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("nightscout: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("nightscout: HTTP %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the server rejected the credentials.
func (e *HTTPStatusError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// DecodeError is returned when a response body cannot be parsed.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("nightscout: decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// transportError wraps a low-level failure so errors.Is(err, ErrTransport)
// holds while the cause stays reachable.
type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("nightscout: %s: %v", e.op, e.err)
}

func (e *transportError) Unwrap() []error { return []error{ErrTransport, e.err} }

// IsHTTPStatus reports whether err carries the given HTTP status.
func IsHTTPStatus(err error, status int) bool {
	var hse *HTTPStatusError
	return errors.As(err, &hse) && hse.StatusCode == status
}
