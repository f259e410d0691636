package storage

import (
	"context"

	"github.com/nicktill/tinykeep/pkg/keeper"
)

// Backend is a keeper backend that owns resources and can describe itself.
// Implementations: memory (testing), relational (SQL), badger (embedded KV).
type Backend interface {
	keeper.Backend

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Stats provides storage health and usage info
type Stats struct {
	// Total metrics stored, across classes and types
	TotalMetrics uint64 `json:"total_metrics"`

	// Metric types known, across classes
	TotalTypes uint64 `json:"total_types"`

	// Storage size in bytes, when the backend can tell
	SizeBytes uint64 `json:"size_bytes,omitempty"`
}
