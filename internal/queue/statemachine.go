package queue

// statemachine.go: per-replica message lifecycle transition rules.
//
//	          publish
//	             │
//	             ▼
//	         VISIBLE ◄──────────────┐
//	             │ receive          │ timeout, receiveCount < max
//	             ▼                  │
//	        INVISIBLE ──────────────┘
//	             │
//	   ┌─────────┴───────────┐
//	   ▼ acknowledge         ▼ timeout, receiveCount ≥ max
//	DELETED             DEAD_LETTERED
//
// A VISIBLE replica may also go straight to DELETED when the broker's
// acknowledge broadcast reaches a node that never delivered its copy.

// ValidTransition reports whether the transition from → to is a legal
// state change for a message copy.
//
// Used in tests; production code drives transitions through the
// VisibilityManager methods, which already enforce the rules.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusVisible:
		return to == StatusInvisible || to == StatusDeleted
	case StatusInvisible:
		return to == StatusVisible || to == StatusDeleted || to == StatusDeadLettered
	case StatusDeleted, StatusDeadLettered:
		// Terminal.
		return false
	}
	return false
}
