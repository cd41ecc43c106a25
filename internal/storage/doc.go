package storage

// Package storage is the persistence layer and single source of durable
// truth for the core:
//
//   - Lobbies (join-to-create channels) and the sessions they spawn
//   - Session membership log (join order, drives ownership succession)
//   - Sticky message configs (content, debounce, last posted artifact)
//   - Reminder state (per guild+service due time, enabled flag, target role)
//
// Timer handles and in-flight locks held by the scheduler components are
// process-local; everything needed to rebuild them after a restart lives
// here.
