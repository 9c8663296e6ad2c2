package queue

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// OrderingMode selects the delivery-order policy of a storage node.
type OrderingMode string

const (
	// OrderingUnordered delivers a uniformly random visible copy.
	OrderingUnordered OrderingMode = "unordered"
	// OrderingStrict delivers copies in per-node sequence order and blocks
	// when the next expected copy is not deliverable.
	OrderingStrict OrderingMode = "strict"
)

// ParseOrderingMode normalises s and rejects unknown modes.
func ParseOrderingMode(s string) (OrderingMode, error) {
	switch OrderingMode(strings.ToLower(strings.TrimSpace(s))) {
	case OrderingUnordered, "":
		return OrderingUnordered, nil
	case OrderingStrict, "fifo":
		return OrderingStrict, nil
	default:
		return "", fmt.Errorf("unknown ordering mode %q", s)
	}
}

// ErrSequenceConflict is returned by a strict buffer when a preassigned
// sequence number is already taken or already delivered.
var ErrSequenceConflict = errors.New("queue: sequence conflict")

// OrderingBuffer decides which copy a node hands out next.
//
// The VisibilityManager drives it through the copy's lifecycle:
//
//	Enqueue: copy added (Visible)
//	Dequeue: pick the copy to receive; nil when nothing is deliverable
//	Requeue: copy became Visible again after a visibility timeout
//	Remove: copy reached a terminal state (or was deleted while Visible)
//
// Buffers read Message.Status to decide visibility; they never mutate it.
type OrderingBuffer interface {
	Mode() OrderingMode
	Enqueue(msg *Message) error
	Peek() *Message
	Dequeue() *Message
	Requeue(msg *Message)
	Remove(id string)
	Len() int
	IsEmpty() bool
}

// NewOrderingBuffer builds the buffer variant for mode. rng drives the
// unordered variant's sampling and must be the simulation's seeded source.
func NewOrderingBuffer(mode OrderingMode, rng *rand.Rand) (OrderingBuffer, error) {
	switch mode {
	case OrderingUnordered, "":
		if rng == nil {
			return nil, errors.New("queue: unordered buffer requires a random source")
		}
		return newUnorderedBuffer(rng), nil
	case OrderingStrict:
		return newStrictBuffer(), nil
	default:
		return nil, fmt.Errorf("queue: unknown ordering mode %q", mode)
	}
}

// ─── Unordered ───────────────────────────────────────────────────────────────

// unorderedBuffer holds the node's Visible copies and samples among them
// uniformly. Copies leave on Dequeue and come back through Requeue.
type unorderedBuffer struct {
	rng   *rand.Rand
	items []*Message
	pos   map[string]int // id → index in items
}

func newUnorderedBuffer(rng *rand.Rand) *unorderedBuffer {
	return &unorderedBuffer{
		rng: rng,
		pos: make(map[string]int),
	}
}

func (b *unorderedBuffer) Mode() OrderingMode { return OrderingUnordered }

func (b *unorderedBuffer) Enqueue(msg *Message) error {
	if _, ok := b.pos[msg.ID]; ok {
		return nil
	}
	b.pos[msg.ID] = len(b.items)
	b.items = append(b.items, msg)
	return nil
}

func (b *unorderedBuffer) Peek() *Message {
	if len(b.items) == 0 {
		return nil
	}
	return b.items[b.rng.Intn(len(b.items))]
}

func (b *unorderedBuffer) Dequeue() *Message {
	if len(b.items) == 0 {
		return nil
	}
	i := b.rng.Intn(len(b.items))
	msg := b.items[i]
	b.removeAt(i)
	return msg
}

func (b *unorderedBuffer) Requeue(msg *Message) { _ = b.Enqueue(msg) }

func (b *unorderedBuffer) Remove(id string) {
	if i, ok := b.pos[id]; ok {
		b.removeAt(i)
	}
}

func (b *unorderedBuffer) Len() int      { return len(b.items) }
func (b *unorderedBuffer) IsEmpty() bool { return len(b.items) == 0 }

// removeAt swap-removes items[i] in O(1).
func (b *unorderedBuffer) removeAt(i int) {
	last := len(b.items) - 1
	delete(b.pos, b.items[i].ID)
	if i != last {
		b.items[i] = b.items[last]
		b.pos[b.items[i].ID] = i
	}
	b.items[last] = nil
	b.items = b.items[:last]
}

// ─── StrictOrder ─────────────────────────────────────────────────────────────

// strictBuffer delivers copies in sequence order. The head (sequence ==
// cursor) stays in the buffer while it is Invisible, so every later copy waits
// behind it: head-of-line blocking. The cursor only moves when the head is
// removed, and it never passes a sequence that has not been removed.
type strictBuffer struct {
	bySeq  map[uint64]*Message
	seqOf  map[string]uint64
	gone   map[uint64]struct{} // removed ahead of the cursor
	cursor uint64              // next sequence allowed out
	last   uint64              // highest sequence assigned or accepted
}

func newStrictBuffer() *strictBuffer {
	return &strictBuffer{
		bySeq:  make(map[uint64]*Message),
		seqOf:  make(map[string]uint64),
		gone:   make(map[uint64]struct{}),
		cursor: 1,
	}
}

func (b *strictBuffer) Mode() OrderingMode { return OrderingStrict }

// Enqueue assigns the next sequence number when msg carries none, otherwise
// accepts the preassigned one. A preassigned gap blocks delivery until the
// missing sequence arrives.
func (b *strictBuffer) Enqueue(msg *Message) error {
	if _, ok := b.seqOf[msg.ID]; ok {
		return nil
	}
	if msg.Sequence == 0 {
		b.last++
		msg.Sequence = b.last
	} else {
		if msg.Sequence < b.cursor {
			return fmt.Errorf("%w: sequence %d already delivered", ErrSequenceConflict, msg.Sequence)
		}
		if _, taken := b.bySeq[msg.Sequence]; taken {
			return fmt.Errorf("%w: sequence %d already enqueued", ErrSequenceConflict, msg.Sequence)
		}
		if msg.Sequence > b.last {
			b.last = msg.Sequence
		}
	}
	b.bySeq[msg.Sequence] = msg
	b.seqOf[msg.ID] = msg.Sequence
	return nil
}

// Peek returns the head if it is Visible, nil otherwise.
func (b *strictBuffer) Peek() *Message {
	head, ok := b.bySeq[b.cursor]
	if !ok || head.Status != StatusVisible {
		return nil
	}
	return head
}

// Dequeue returns the deliverable head. The head is kept until Remove.
func (b *strictBuffer) Dequeue() *Message { return b.Peek() }

// Requeue is a no-op: an Invisible head never left the buffer.
func (b *strictBuffer) Requeue(*Message) {}

func (b *strictBuffer) Remove(id string) {
	seq, ok := b.seqOf[id]
	if !ok {
		return
	}
	delete(b.seqOf, id)
	delete(b.bySeq, seq)
	if seq != b.cursor {
		b.gone[seq] = struct{}{}
		return
	}
	b.cursor++
	for {
		if _, skip := b.gone[b.cursor]; !skip {
			return
		}
		delete(b.gone, b.cursor)
		b.cursor++
	}
}

func (b *strictBuffer) Len() int      { return len(b.bySeq) }
func (b *strictBuffer) IsEmpty() bool { return len(b.bySeq) == 0 }
