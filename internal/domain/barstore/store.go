// Package barstore defines persistence contracts for archived bars.
package barstore

import (
	"context"
	"time"

	"github.com/coachpo/livefeed/internal/domain/schema"
)

// Query scopes archived bar lookups. Zero From/To leave the range open.
type Query struct {
	Key   schema.Key `json:"key"`
	From  time.Time  `json:"from,omitempty"`
	To    time.Time  `json:"to,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// Record is an archived bar enriched with audit metadata.
type Record struct {
	schema.Bar
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Store defines the contract for bar archive persistence.
type Store interface {
	// SaveBar upserts a bar; saving the same period twice keeps the latest values.
	SaveBar(ctx context.Context, source string, bar schema.Bar) error
	ListBars(ctx context.Context, query Query) ([]Record, error)
}
