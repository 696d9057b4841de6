// Package container defines the capability interfaces a store implementation
// exposes to the engine, and a default implementation backed by the document
// store.
package container

import (
	"context"

	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/state"
)

// Container is the minimum every store provides: its local state.
type Container interface {
	Name() string
	State() state.State
	// Apply replaces the local state.
	Apply(st state.State)
}

// Syncable stores talk to the remote source of truth.
type Syncable interface {
	Container
	// Fetch returns the live remote state.
	Fetch(ctx context.Context) (state.State, error)
	// Push writes st as the remote state.
	Push(ctx context.Context, st state.State) error
	// Execute performs one operation remotely and returns the new state.
	Execute(ctx context.Context, op queue.Operation) (state.State, error)
}

// IntegrityCheckable stores validate their own state.
type IntegrityCheckable interface {
	CheckIntegrity(ctx context.Context) []string
}

// OfflineCacheable stores persist what they need before going offline.
type OfflineCacheable interface {
	CacheOffline(ctx context.Context) error
}

// Observable stores report local state changes.
type Observable interface {
	OnChange(fn func(st state.State)) (unsubscribe func())
}
