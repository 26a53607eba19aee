// ============================================================================
// castpool Task Source Interface
// ============================================================================
//
// Package: internal/pool
// File: source.go
// Purpose: Defines where the Dispatch Loop gets its tasks from.
//
//   - Queue Mode: *controller.Controller implements TaskSource over queue.Consumer[types.Task].
//   - Tests / Demo: TaskSourceFunc over a slice or channel.
//
// ============================================================================

package pool

import (
	"context"

	"github.com/ChuLiYu/castpool/pkg/types"
)

// TaskSource supplies ready tasks to the scheduler.
type TaskSource interface {
	// Fetch returns at most limit tasks. It must not block waiting for work:
	// an empty slice means "nothing right now" and the scheduler polls again
	// after its pull interval.
	//
	// Fetch runs on its own goroutine, never concurrently with itself, and
	// must not touch scheduler state.
	Fetch(ctx context.Context, limit int) ([]types.Task, error)
}

// TaskSourceFunc adapts a plain function to TaskSource.
type TaskSourceFunc func(ctx context.Context, max int) ([]types.Task, error)

// Fetch calls f(ctx, limit).
func (f TaskSourceFunc) Fetch(ctx context.Context, limit int) ([]types.Task, error) {
	return f(ctx, limit)
}
