package model

import "context"

// Publisher fans out rows that were successfully persisted to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, rows []TrafficRow) error
	Close()
}
