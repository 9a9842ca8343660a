// Package history keeps an append-only audit log of finished support
// requests.
package history

import (
	"context"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// Record is one finished request.
type Record struct {
	EntryID     string    `json:"entry_id"`
	GroupID     string    `json:"group_id"`
	RequesterID string    `json:"requester_id"`
	SupporterID string    `json:"supporter_id,omitempty"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	AcceptedAt  time.Time `json:"accepted_at,omitempty"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Store persists and lists finished requests. Recent returns the newest
// records of a group first.
type Store interface {
	Record(ctx context.Context, rec Record) error
	Recent(ctx context.Context, groupID string, limit int) ([]Record, error)
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
