// Package storage defines the contract shared by the log entry store backends.
package storage

import (
	"context"

	"microplate/gateway/pkg/models"
)

// Store keeps the most recent log entries up to a fixed capacity, evicting the oldest first.
// All returns entries oldest first.
type Store interface {
	Append(ctx context.Context, e models.LogEntry) error
	All(ctx context.Context) ([]models.LogEntry, error)
	Clear(ctx context.Context) error
}

const (
	DefaultMemoryCapacity = 1000
	DefaultSharedCapacity = 5000
)
