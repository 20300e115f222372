// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func TestWatermillLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWatermillLoggerWithLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))

	l.With(watermill.LogFields{"topic": "sync.required"}).
		Error("handler failed", errors.New("closed"), watermill.LogFields{"attempt": 1})

	out := buf.String()
	for _, want := range []string{`"level":"error"`, `"topic":"sync.required"`, `"attempt":1`, `"error":"closed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}

	buf.Reset()
	l.Info("subscribed", nil)
	if !strings.Contains(buf.String(), `"level":"debug"`) {
		t.Errorf("Info should be demoted to debug: %s", buf.String())
	}
}
