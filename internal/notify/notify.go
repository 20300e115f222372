// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

// Package notify delivers short user-facing messages, such as the result of
// a credential check, to the log and optionally the desktop.
package notify

import (
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/tomtom215/nightsync/internal/config"
	"github.com/tomtom215/nightsync/internal/logging"
)

// Notifier shows a message to the user.
type Notifier interface {
	Notify(title, body string)
}

// Func adapts a function to Notifier.
type Func func(title, body string)

// Notify implements Notifier.
func (f Func) Notify(title, body string) { f(title, body) }

// LogNotifier writes messages to the structured log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(title, body string) {
	logging.Info().Str("component", "notify").Str("title", title).Msg(body)
}

// DesktopNotifier sends messages as desktop notifications via beeep.
type DesktopNotifier struct {
	appName string
	send    func(title, message, icon string) error
}

// NewDesktopNotifier creates a desktop notifier. appName prefixes titles.
func NewDesktopNotifier(appName string) *DesktopNotifier {
	return &DesktopNotifier{appName: appName, send: beeep.Notify}
}

// Notify implements Notifier. Delivery failures are logged and dropped;
// headless hosts have no notification daemon.
func (d *DesktopNotifier) Notify(title, body string) {
	if d.appName != "" {
		title = d.appName + ": " + title
	}
	if err := d.send(title, body, ""); err != nil {
		logging.Debug().Err(err).Msg("Desktop notification failed")
	}
}

// Multi fans a message out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(title, body string) {
	for _, n := range m {
		n.Notify(title, body)
	}
}

// New builds the notifier described by cfg: always the log, plus the
// desktop when enabled.
func New(cfg *config.NotifyConfig) Notifier {
	if cfg == nil || !cfg.Desktop {
		return LogNotifier{}
	}
	return Multi{LogNotifier{}, NewDesktopNotifier(cfg.AppName)}
}

// Message is one recorded notification.
type Message struct {
	Title string
	Body  string
}

// Recorder keeps every message it receives. Used in tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Notify implements Notifier.
func (r *Recorder) Notify(title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Title: title, Body: body})
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
