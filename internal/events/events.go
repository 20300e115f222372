// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/nightsync/internal/logging"
)

// Topics
const (
	TopicSyncRequired    = "sync.required"
	TopicSettingsChanged = "settings.changed"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// SyncRequired announces that local data changed and a pass should run.
type SyncRequired struct {
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// SettingsChanged carries new server connection settings.
type SettingsChanged struct {
	BaseURL   string `json:"base_url"`
	APISecret string `json:"api_secret,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Bus is the in-process event bus.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	closed bool
}

// NewBus creates an in-process bus. Messages are not persisted; a
// subscriber only sees events published after it subscribed.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logging.NewWatermillLogger()),
	}
}

// Publish encodes v as JSON and publishes it on topic.
func (b *Bus) Publish(topic string, v interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	return b.pubsub.Publish(topic, msg)
}

// PublishSyncRequired is a shorthand for a SyncRequired event.
func (b *Bus) PublishSyncRequired(source string) error {
	return b.Publish(TopicSyncRequired, SyncRequired{Source: source, At: time.Now().UTC()})
}

// PublishSettingsChanged is a shorthand for a SettingsChanged event.
func (b *Bus) PublishSettingsChanged(s SettingsChanged) error {
	return b.Publish(TopicSettingsChanged, s)
}

// Subscribe returns the message channel for topic. The channel closes when
// ctx is done or the bus is closed. Every message must be acked.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.pubsub.Subscribe(ctx, topic)
}

// Close closes the bus and all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}

// Decode unmarshals a message payload into dst.
func Decode(msg *message.Message, dst interface{}) error {
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return nil
}
