// Package store keeps the optional local ledger of processed mail items.
package store

import (
	"context"
	"time"
)

// ProcessedItem is one ledger row.
type ProcessedItem struct {
	ItemID      string    `db:"item_id"`
	Subject     string    `db:"subject"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Store defines the persistence interface for the processed-item ledger.
type Store interface {
	IsProcessed(ctx context.Context, itemID string) (bool, error)
	MarkProcessed(ctx context.Context, itemID, subject string) error
	GetProcessed(ctx context.Context, limit int) ([]ProcessedItem, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
