// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
)

// breakerName labels the Nightscout breaker in metrics and logs.
const breakerName = "nightscout-api"

// BreakerClient wraps a Transport with a circuit breaker so an unreachable
// or failing server is left alone for a while instead of being hit on every
// pass.
//
// Only transport errors and 5xx responses count as breaker failures. A 4xx
// (bad credentials, malformed record) says nothing about server health, and
// ErrConfigurationMissing never reaches the network at all.
//
// DETERMINISM NOTE: gobreaker uses wall-clock time for Interval and Timeout.
// Tests exercise execute directly rather than waiting on the breaker.
type BreakerClient struct {
	next Transport
	cb   *gobreaker.CircuitBreaker[Outcome]
	name string
}

// NewBreakerClient wraps next.
// Circuit breaker configuration:
// - Max 3 requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewBreakerClient(next Transport) *BreakerClient {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[Outcome](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &BreakerClient{next: next, cb: cb, name: breakerName}
}

// Do implements Transport.
func (b *BreakerClient) Do(ctx context.Context, req Request) Outcome {
	out, err := b.execute(func() (Outcome, error) {
		out := b.next.Do(ctx, req)
		if countsAsBreakerFailure(out.Err) {
			return out, out.Err
		}
		return out, nil
	})
	if err != nil && isRejection(err) {
		return failure(&transportError{op: req.Method + " " + req.Path, err: err})
	}
	return out
}

// State returns the breaker state as a string for status reporting.
func (b *BreakerClient) State() string {
	return stateToString(b.cb.State())
}

// execute runs fn under the breaker and records metrics.
func (b *BreakerClient) execute(fn func() (Outcome, error)) (Outcome, error) {
	out, err := b.cb.Execute(fn)
	if err != nil {
		if isRejection(err) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			logging.Warn().Err(err).Msg("[CIRCUIT BREAKER] Request rejected")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
			counts := b.cb.Counts()
			metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(counts.ConsecutiveFailures))
		}
		return out, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(0)
	return out, nil
}

func isRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func countsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) {
		return true
	}
	var hse *HTTPStatusError
	return errors.As(err, &hse) && hse.StatusCode >= 500
}

// stateToFloat converts circuit breaker state to numeric value for metrics
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// stateToString converts circuit breaker state to string for logging
func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
