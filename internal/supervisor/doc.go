// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

/*
Package supervisor runs the long-lived parts of nightsync under suture v4.

	RootSupervisor ("nightsync")
	├── "store-layer"
	│   └── store-maintenance
	├── "sync-layer"
	│   ├── sync-orchestrator
	│   ├── status-poller
	│   └── config-watcher (when a config file is in use)
	└── "api-layer"
	    └── http-server (when the admin API is enabled)

Crashed services are restarted with backoff. Supervisor events are logged
through sutureslog into the zerolog-backed slog handler.

Usage:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(services.NewLifecycleService("sync-orchestrator", engine.Orchestrator))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	err = tree.Serve(ctx)
*/
package supervisor
