// Package checkpoint persists AgentExecutionState snapshots between
// iterations so a crashed or cancelled execution can be resumed.
//
// Two stores are provided: an in-memory map for tests and single-process
// hosts, and a badger-backed store for durable checkpoints.
package checkpoint

import (
	"context"
	"errors"

	"github.com/hupe1980/wavemesh/core"
)

// ErrNotFound is returned when no checkpoint exists for an execution.
var ErrNotFound = errors.New("checkpoint not found")

// Store saves and loads execution snapshots keyed by execution id.
type Store interface {
	Save(ctx context.Context, snap core.StateSnapshot) error
	Load(ctx context.Context, executionID string) (core.StateSnapshot, error)
	Delete(ctx context.Context, executionID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
