// Package api defines the public contract of the sync object service.
package api

import (
	"context"

	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/syncobj"
)

// SyncService is implemented in-process by transport.Handler and remotely by
// transport.Client.
type SyncService interface {
	// CreateSyncObject creates a named object or returns the existing one.
	// For an existing name the initial words in req are ignored.
	CreateSyncObject(ctx context.Context, req syncobj.CreateRequest) (syncobj.Result, error)
	// OpenSyncObject opens an existing named object.
	OpenSyncObject(ctx context.Context, name string, attrs syncobj.Attributes) (syncobj.Result, error)
	// GetSlotIndex returns the slot index and kind behind a handle.
	GetSlotIndex(ctx context.Context, h namespace.Handle) (uint32, syncobj.Kind, error)
	// CloseHandle drops a handle.
	CloseHandle(ctx context.Context, h namespace.Handle) error
}
