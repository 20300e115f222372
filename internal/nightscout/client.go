// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // Nightscout compares against the SHA-1 of the API secret
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/metrics"
)

const (
	// maxErrorBody bounds how much of a failed response is kept for the error.
	maxErrorBody = 64 * 1024

	// maxResponseBody bounds successful responses (a full treatment window fits easily).
	maxResponseBody = 32 * 1024 * 1024
)

// ConnectionSettings are the values needed to reach one Nightscout server.
// They are replaced as a whole when the user edits settings.
type ConnectionSettings struct {
	BaseURL   string `json:"base_url"`
	APISecret string `json:"api_secret,omitempty"`
	Token     string `json:"token,omitempty"`
}

// HasCredentials reports whether either credential is present.
func (s ConnectionSettings) HasCredentials() bool {
	return s.APISecret != "" || s.Token != ""
}

// Request describes one call against the Nightscout REST API.
type Request struct {
	Method string
	// Path is relative to the base URL, e.g. "/api/v1/treatments".
	Path  string
	Query url.Values
	// Body is JSON encoded when non-nil.
	Body interface{}
	// RequireAuth fails the call with ErrConfigurationMissing when neither
	// credential is configured.
	RequireAuth bool
}

// Outcome is the two-valued result of a call: success with a record count,
// or failure with a typed error.
type Outcome struct {
	OK    bool
	Count int
	Body  []byte
	// Duplicate is set when a server-side duplicate was reported as success.
	Duplicate  bool
	StatusCode int
	Err        error
}

func failure(err error) Outcome {
	return Outcome{Err: err}
}

// Transport is anything that can execute a Request. Client and
// BreakerClient both satisfy it.
type Transport interface {
	Do(ctx context.Context, req Request) Outcome
}

// Client is the low-level Nightscout HTTP client.
type Client struct {
	httpClient    *http.Client
	settings      atomic.Pointer[ConnectionSettings]
	limiter       *rate.Limiter
	duplicateCode int
}

// NewClient creates a client from the Nightscout config section.
func NewClient(cfg *config.NightscoutConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:       rate.NewLimiter(limit, 1),
		duplicateCode: cfg.DuplicateErrorCode,
	}
	c.SetConnection(ConnectionSettings{
		BaseURL:   cfg.URL,
		APISecret: cfg.APISecret,
		Token:     cfg.Token,
	})
	return c
}

// SetConnection atomically replaces the connection settings. Calls already
// in flight keep the settings they started with.
func (c *Client) SetConnection(s ConnectionSettings) {
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	c.settings.Store(&s)
}

// Connection returns the current connection settings.
func (c *Client) Connection() ConnectionSettings {
	return *c.settings.Load()
}

// Do executes req and classifies the response.
//
//   - ErrConfigurationMissing when the base URL is empty, or when the request
//     requires auth and no credential is configured. Nothing is sent.
//   - ErrTransport on connection errors, timeouts and cancellation.
//   - Success with the number of records in the response body for 2xx.
//   - Success with zero records and Duplicate set for an HTTP 500 whose body
//     carries the duplicate code.
//   - HTTPStatusError for every other non-2xx response.
//   - DecodeError when a 2xx body is not JSON.
func (c *Client) Do(ctx context.Context, req Request) Outcome {
	settings := c.settings.Load()
	if settings.BaseURL == "" {
		return c.record(req, "config_missing", 0, failure(ErrConfigurationMissing))
	}
	if req.RequireAuth && !settings.HasCredentials() {
		return c.record(req, "config_missing", 0, failure(ErrConfigurationMissing))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return c.record(req, "transport_error", 0, failure(&transportError{op: "rate limit wait", err: err}))
	}

	httpReq, err := c.newHTTPRequest(ctx, settings, req)
	if err != nil {
		return c.record(req, "transport_error", 0, failure(err))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.record(req, "transport_error", time.Since(start), failure(&transportError{op: req.Method + " " + req.Path, err: err}))
	}
	defer func() { _ = resp.Body.Close() }()

	out := c.classify(req, resp)
	return c.record(req, outcomeLabel(out), time.Since(start), out)
}

func (c *Client) newHTTPRequest(ctx context.Context, s *ConnectionSettings, req Request) (*http.Request, error) {
	u, err := url.Parse(s.BaseURL + req.Path)
	if err != nil {
		return nil, &transportError{op: "build url", err: err}
	}

	q := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if s.Token != "" {
		q.Set("token", s.Token)
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("nightscout: encode %s body: %w", req.Path, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, &transportError{op: "build request", err: err}
	}

	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if s.APISecret != "" {
		httpReq.Header.Set("api-secret", hashSecret(s.APISecret))
	}
	return httpReq, nil
}

func (c *Client) classify(req Request, resp *http.Response) Outcome {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := readBodyForError(resp.Body)
		if resp.StatusCode == http.StatusInternalServerError && c.isDuplicate(body) {
			logging.Debug().
				Str("method", req.Method).
				Str("path", req.Path).
				Msg("[nightscout] Duplicate submission treated as success")
			metrics.UploadDuplicates.Inc()
			return Outcome{OK: true, Duplicate: true, StatusCode: resp.StatusCode}
		}
		return Outcome{
			StatusCode: resp.StatusCode,
			Err:        &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)},
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Outcome{StatusCode: resp.StatusCode, Err: &transportError{op: "read body", err: err}}
	}

	count, err := countRecords(data)
	if err != nil {
		return Outcome{StatusCode: resp.StatusCode, Err: &DecodeError{What: req.Path, Err: err}}
	}
	return Outcome{OK: true, Count: count, Body: data, StatusCode: resp.StatusCode}
}

// isDuplicate looks for the duplicate code at the top level of the body or
// inside a message object, the two shapes Nightscout versions produce.
func (c *Client) isDuplicate(body []byte) bool {
	if c.duplicateCode == 0 || len(body) == 0 {
		return false
	}
	var envelope struct {
		Code    *flexFloat      `json:"code"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	if envelope.Code != nil && int(*envelope.Code) == c.duplicateCode {
		return true
	}
	if len(envelope.Message) > 0 && envelope.Message[0] == '{' {
		var inner struct {
			Code *flexFloat `json:"code"`
		}
		if err := json.Unmarshal(envelope.Message, &inner); err == nil && inner.Code != nil {
			return int(*inner.Code) == c.duplicateCode
		}
	}
	return false
}

// countRecords returns the number of records in a JSON response: the array
// length, 1 for an object, 0 for an empty body.
func countRecords(data []byte) (int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return 0, nil
	}
	switch trimmed[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return 0, err
		}
		return len(arr), nil
	case '{':
		if !json.Valid(trimmed) {
			return 0, errors.New("invalid JSON object")
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("unexpected response starting with %q", truncateBody(trimmed, 32))
	}
}

func (c *Client) record(req Request, label string, d time.Duration, out Outcome) Outcome {
	metrics.RecordTransport(req.Method, metricPath(req.Path), label, d)
	if out.Err != nil && !errors.Is(out.Err, ErrConfigurationMissing) {
		logging.Debug().
			Err(out.Err).
			Str("method", req.Method).
			Str("path", req.Path).
			Str("base_url", logging.RedactURL(c.settings.Load().BaseURL)).
			Msg("[nightscout] Request failed")
	}
	return out
}

func outcomeLabel(out Outcome) string {
	var de *DecodeError
	switch {
	case out.Duplicate:
		return "duplicate"
	case out.OK:
		return "success"
	case errors.As(out.Err, &de):
		return "decode_error"
	case errors.Is(out.Err, ErrTransport):
		return "transport_error"
	default:
		return "http_error"
	}
}

// metricPath keeps the label set bounded by dropping record identifiers.
func metricPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}

// hashSecret returns the hex SHA-1 of the API secret.
func hashSecret(secret string) string {
	h := sha1.New() //nolint:gosec // required by the Nightscout API
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// readBodyForError reads at most maxErrorBody bytes for inclusion in errors.
func readBodyForError(body io.Reader) []byte {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return nil
	}
	return bytes.TrimSpace(data)
}

func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
