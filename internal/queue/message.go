// Package queue implements the per-node reliability machinery of epochsim:
// the visibility-timeout state machine, the delivery-order buffers and the
// StorageNode that ties them together.
//
// Domain types (Message, Status) live in internal/types to break the import
// cycle between the queue, broker and dlq packages. This file re-exports them
// as aliases so callers can use queue.Message / queue.Status directly.
package queue

import "github.com/snehjoshi/epochsim/internal/types"

// Re-export core domain types from the types package.
// Using Go type aliases (=) so queue.Message is types.Message, no conversion needed.
type Message = types.Message
type Status = types.Status

// Re-export status constants.
const (
	StatusVisible      = types.StatusVisible
	StatusInvisible    = types.StatusInvisible
	StatusDeleted      = types.StatusDeleted
	StatusDeadLettered = types.StatusDeadLettered
)
