// Package types contains the core domain types shared across all epochsim
// internal packages. It imports no other epochsim package, so the queue,
// broker, dlq and pipeline layers can all import it.
package types

import "time"

// Status is the lifecycle state of one per-replica message copy.
type Status uint8

const (
	// StatusVisible means the copy may be handed to a consumer.
	StatusVisible Status = iota
	// StatusInvisible means the copy was received and is hidden until its
	// visibility timeout fires or it is acknowledged.
	StatusInvisible
	// StatusDeleted means the copy was acknowledged. Terminal.
	StatusDeleted
	// StatusDeadLettered means the copy exhausted its receive budget and was
	// diverted to the dead-letter sink. Terminal.
	StatusDeadLettered
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusVisible:
		return "visible"
	case StatusInvisible:
		return "invisible"
	case StatusDeleted:
		return "deleted"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusDeleted || s == StatusDeadLettered
}

// Message is one copy of a logical message held by a single storage node.
//
// Design rules:
//   - ID, Body, Metadata, ArrivedAt and ReplicaNodes never change after
//     publish. Every replica carries the same values.
//   - All timestamps are virtual times (offset from simulation start).
//   - InvisibleUntil is non-zero if and only if Status == StatusInvisible.
//     Visibility timeouts are always positive, so a set deadline is never zero.
//   - Sequence is zero until a strict-order node assigns one.
type Message struct {
	// ID is a ULID uniquely identifying the logical message.
	ID string `json:"id"`

	// Body is the opaque payload.
	Body []byte `json:"body,omitempty"`

	// Metadata holds arbitrary key-value pairs set by the producer.
	Metadata map[string]string `json:"metadata,omitempty"`

	// ArrivedAt is the virtual time the producer published the message.
	ArrivedAt time.Duration `json:"arrived_at"`

	// VisibilityTimeout is how long a received copy stays hidden.
	VisibilityTimeout time.Duration `json:"visibility_timeout"`

	// Status is the copy's current lifecycle state.
	Status Status `json:"status"`

	// ReceiveCount is the number of times this copy has been received.
	ReceiveCount int `json:"receive_count"`

	// InvisibleUntil is the virtual time the current visibility window ends.
	InvisibleUntil time.Duration `json:"invisible_until,omitempty"`

	// ReplicaNodes is the ordered set of node indices holding copies,
	// primary first. Assigned once at publish.
	ReplicaNodes []int `json:"replica_nodes"`

	// Sequence is the per-node delivery sequence for strict-order nodes.
	Sequence uint64 `json:"sequence,omitempty"`
}

// IsTerminal reports whether the copy is Deleted or DeadLettered.
func (m *Message) IsTerminal() bool { return m.Status.Terminal() }

// Deadline returns InvisibleUntil and whether it is set.
func (m *Message) Deadline() (time.Duration, bool) {
	return m.InvisibleUntil, m.Status == StatusInvisible
}

// Replica returns an independent copy for another storage node: same identity,
// payload and placement, empty receive history, Visible, no sequence.
func (m *Message) Replica() *Message {
	c := &Message{
		ID:                m.ID,
		Body:              m.Body,
		ArrivedAt:         m.ArrivedAt,
		VisibilityTimeout: m.VisibilityTimeout,
		Status:            StatusVisible,
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ReplicaNodes = append([]int(nil), m.ReplicaNodes...)
	return c
}

// Clone returns a shallow snapshot of the copy's current state.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
