// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package logging

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameters that carry Nightscout credentials.
var sensitiveParams = []string{"token", "secret", "api_secret", "api-secret"}

// SanitizeToken masks a credential, keeping the first and last 4 characters.
//
//	SanitizeToken("reader-0123456789abcd") -> "read...abcd"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// RedactURL masks credentials in a URL: userinfo passwords and token query
// parameters. Unparseable input is returned truncated.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return truncate(raw, 64)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	q := u.Query()
	changed := false
	for key := range q {
		for _, s := range sensitiveParams {
			if strings.EqualFold(key, s) {
				q.Set(key, SanitizeToken(q.Get(key)))
				changed = true
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
