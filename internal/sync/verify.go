// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/nightsync/internal/logging"
	"github.com/tomtom215/nightsync/internal/nightscout"
	"github.com/tomtom215/nightsync/internal/notify"
)

// VerifyTitle is the notification title of credential checks.
const VerifyTitle = "Nightscout"

// CredentialsAPI probes the configured credentials.
type CredentialsAPI interface {
	VerifyCredentials(ctx context.Context) nightscout.Outcome
}

// Verifier checks the server connection and reports the result to the user.
type Verifier struct {
	api      CredentialsAPI
	notifier notify.Notifier
}

// NewVerifier creates a credential checker.
func NewVerifier(api CredentialsAPI, n notify.Notifier) *Verifier {
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Verifier{api: api, notifier: n}
}

// Verify probes the server and notifies the user with a readable message.
func (v *Verifier) Verify(ctx context.Context) nightscout.Outcome {
	out := v.api.VerifyCredentials(ctx)
	body := VerifyMessage(out)
	v.notifier.Notify(VerifyTitle, body)

	ev := logging.Ctx(ctx).Info()
	if !out.OK {
		ev = logging.Ctx(ctx).Warn().Err(out.Err)
	}
	ev.Bool("ok", out.OK).Msg("[verify] Credential check finished")
	return out
}

// VerifyMessage turns a probe outcome into a message for the user.
func VerifyMessage(out nightscout.Outcome) string {
	if out.OK {
		return "Connection OK. Credentials accepted."
	}

	var statusErr *nightscout.HTTPStatusError
	switch {
	case errors.Is(out.Err, nightscout.ErrConfigurationMissing):
		return "Not configured. Set the server URL and an API secret or token."
	case errors.As(out.Err, &statusErr) && statusErr.Unauthorized():
		return "Authentication failed. Check the API secret or token."
	case errors.As(out.Err, &statusErr):
		return fmt.Sprintf("Server error (HTTP %d).", statusErr.StatusCode)
	case errors.Is(out.Err, nightscout.ErrTransport):
		return "Server not reachable. Check the URL and network connection."
	default:
		return "Unexpected response from server."
	}
}
