// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package services

import (
	"context"
	"fmt"
)

// StartStopper is the lifecycle of the orchestrator, the status poller and
// the store maintainer: Start spawns goroutines and returns, Stop waits for
// them.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop() error
}

// LifecycleService adapts a StartStopper to suture's Serve pattern.
//
//	svc := services.NewLifecycleService("status-poller", engine.Poller)
//	tree.AddSyncService(svc)
type LifecycleService struct {
	component StartStopper
	name      string
}

// NewLifecycleService creates a wrapper named name.
func NewLifecycleService(name string, component StartStopper) *LifecycleService {
	return &LifecycleService{component: component, name: name}
}

// Serve implements suture.Service. A failing Start is returned at once so
// suture restarts the service with backoff.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	if err := s.component.Stop(); err != nil {
		return fmt.Errorf("%s stop failed: %w", s.name, err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *LifecycleService) String() string {
	return s.name
}
