// Package catalog defines the media-catalog capability the rotation driver
// consumes. Implementations live in subpackages (plex) and in test fakes.
package catalog

import "context"

// Collection is an opaque named content grouping in the external catalog.
// The core only reads it; pin state is mutated through Pin/Unpin intents.
type Collection struct {
	ID      string // stable within a library (Plex: ratingKey)
	Title   string
	Library string
	Items   int
	Pinned  bool
}

// Catalog is the capability boundary to the media server.
//
// Each call may fail independently; the driver treats a failed pin/unpin as
// "skip this target for the tick" and self-corrects on the next cycle.
type Catalog interface {
	// Collections returns a snapshot of the library's collections including
	// their current pinned state.
	Collections(ctx context.Context, library string) ([]Collection, error)

	Pin(ctx context.Context, library, id string) error
	Unpin(ctx context.Context, library, id string) error
}
