// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package notify

import (
	"errors"
	"testing"

	"github.com/tomtom215/nightsync/internal/config"
)

func TestDesktopNotifier_PrefixesTitle(t *testing.T) {
	t.Parallel()

	var gotTitle, gotBody string
	d := NewDesktopNotifier("Nightsync")
	d.send = func(title, message, _ string) error {
		gotTitle, gotBody = title, message
		return errors.New("no notification daemon")
	}

	d.Notify("Nightscout", "Connection OK")
	if gotTitle != "Nightsync: Nightscout" || gotBody != "Connection OK" {
		t.Errorf("sent %q / %q", gotTitle, gotBody)
	}
}

func TestMulti(t *testing.T) {
	t.Parallel()

	var a, b Recorder
	var calls int
	m := Multi{&a, &b, Func(func(string, string) { calls++ })}
	m.Notify("t", "b")

	if len(a.Messages()) != 1 || len(b.Messages()) != 1 || calls != 1 {
		t.Errorf("fan-out incomplete: %d %d %d", len(a.Messages()), len(b.Messages()), calls)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, ok := New(&config.NotifyConfig{}).(LogNotifier); !ok {
		t.Error("desktop disabled should give LogNotifier")
	}
	if m, ok := New(&config.NotifyConfig{Desktop: true}).(Multi); !ok || len(m) != 2 {
		t.Error("desktop enabled should give log + desktop")
	}
}
