package model

import "context"

// Writer defines a generic interface for writing one flush window to a persistent store.
type Writer interface {
	// Write persists all rows of a single window as one atomic batch.
	// An empty slice must not touch the store.
	Write(ctx context.Context, rows []TrafficRow) error

	// Close releases the store handle.
	Close() error
}
