// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	gobreaker "github.com/sony/gobreaker/v2"
)

// fakeTransport returns a fixed outcome and counts calls.
type fakeTransport struct {
	out   Outcome
	calls atomic.Int32
}

func (f *fakeTransport) Do(context.Context, Request) Outcome {
	f.calls.Add(1)
	return f.out
}

func TestBreakerClient_OpensAfterTransportFailures(t *testing.T) {
	next := &fakeTransport{out: failure(&transportError{op: "GET", err: errors.New("connection refused")})}
	b := NewBreakerClient(next)

	for i := 0; i < 10; i++ {
		out := b.Do(context.Background(), Request{Method: "GET", Path: "/api/v1/entries"})
		if out.OK {
			t.Fatalf("call %d succeeded, want failure", i)
		}
	}
	if b.cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", b.cb.State())
	}

	out := b.Do(context.Background(), Request{Method: "GET", Path: "/api/v1/entries"})
	if !errors.Is(out.Err, ErrTransport) {
		t.Errorf("rejected call err = %v, want ErrTransport", out.Err)
	}
	if !errors.Is(out.Err, gobreaker.ErrOpenState) {
		t.Errorf("rejected call err = %v, want ErrOpenState in chain", out.Err)
	}
	if next.calls.Load() != 10 {
		t.Errorf("underlying calls = %d, want 10 (open circuit must not forward)", next.calls.Load())
	}
	if b.State() != "open" {
		t.Errorf("State() = %q, want open", b.State())
	}
}

func TestBreakerClient_ClientErrorsDoNotTrip(t *testing.T) {
	next := &fakeTransport{out: failure(&HTTPStatusError{StatusCode: 401})}
	b := NewBreakerClient(next)

	for i := 0; i < 20; i++ {
		out := b.Do(context.Background(), Request{Method: "POST", Path: "/api/v1/treatments"})
		if !IsHTTPStatus(out.Err, 401) {
			t.Fatalf("err = %v, want 401 passed through", out.Err)
		}
	}
	if b.cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed after 4xx responses", b.cb.State())
	}
}

func TestBreakerClient_ServerErrorsTrip(t *testing.T) {
	next := &fakeTransport{out: failure(&HTTPStatusError{StatusCode: 503})}
	b := NewBreakerClient(next)

	for i := 0; i < 10; i++ {
		b.Do(context.Background(), Request{Method: "GET", Path: "/api/v1/devicestatus"})
	}
	if b.cb.State() != gobreaker.StateOpen {
		t.Errorf("state = %v, want open after repeated 5xx", b.cb.State())
	}
}

func TestBreakerClient_DoesNotOpenBelowThreshold(t *testing.T) {
	b := NewBreakerClient(&fakeTransport{})

	// 5 failures out of 10 is 50%, below the 60% trip ratio.
	for i := 0; i < 10; i++ {
		_, _ = b.execute(func() (Outcome, error) {
			if i%2 == 0 {
				return Outcome{}, errors.New("simulated failure")
			}
			return Outcome{OK: true}, nil
		})
	}
	if b.cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", b.cb.State())
	}
}

func TestBreakerClient_PassesSuccessThrough(t *testing.T) {
	t.Parallel()

	next := &fakeTransport{out: Outcome{OK: true, Count: 4, Body: []byte(`[1,2,3,4]`)}}
	b := NewBreakerClient(next)

	out := b.Do(context.Background(), Request{Method: "GET", Path: "/api/v1/entries"})
	if !out.OK || out.Count != 4 {
		t.Errorf("outcome = %+v, want OK with Count 4", out)
	}
}

func TestStateHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state gobreaker.State
		str   string
		num   float64
	}{
		{gobreaker.StateClosed, "closed", 0},
		{gobreaker.StateHalfOpen, "half-open", 1},
		{gobreaker.StateOpen, "open", 2},
	}
	for _, tt := range tests {
		if got := stateToString(tt.state); got != tt.str {
			t.Errorf("stateToString(%v) = %q, want %q", tt.state, got, tt.str)
		}
		if got := stateToFloat(tt.state); got != tt.num {
			t.Errorf("stateToFloat(%v) = %v, want %v", tt.state, got, tt.num)
		}
	}
}
