package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/snehjoshi/epochsim/internal/scheduler"
)

// ─── Per-node config ──────────────────────────────────────────────────────────

// Config holds the reliability parameters of a storage node.
type Config struct {
	// VisibilityTimeout is how long a received copy stays Invisible. Applies
	// to every copy that does not carry its own timeout.
	VisibilityTimeout time.Duration

	// MaxReceiveCount is the receive budget: a copy whose visibility timeout
	// fires with ReceiveCount ≥ MaxReceiveCount is dead-lettered.
	// 0 = unlimited redelivery (never dead-letter).
	MaxReceiveCount int
}

// DefaultConfig returns the SQS-style defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 30 * time.Second,
		MaxReceiveCount:   3,
	}
}

// ErrDuplicate is returned by Add when the node already holds a copy.
var ErrDuplicate = errors.New("queue: duplicate message id")

// Hooks are optional observers of a node's timer-driven transitions.
type Hooks struct {
	// OnDeadLetter receives every copy that exhausts its receive budget.
	OnDeadLetter func(node int, msg *Message)
	// OnRedeliver is called when a timed-out copy becomes Visible again.
	OnRedeliver func(node int, msg *Message)
}

// VisibilityStats counts lifecycle transitions on one node.
type VisibilityStats struct {
	Added        int64
	Received     int64
	Acknowledged int64 // Invisible → Deleted
	Deleted      int64 // Visible → Deleted (replica-side delete)
	Redelivered  int64 // Invisible → Visible on timeout
	DeadLettered int64
}

// ─── VisibilityManager ────────────────────────────────────────────────────────

// VisibilityManager is the per-node store of live message copies. It owns a
// cancellable timer for every Invisible copy and converts an expired copy back
// to Visible (retry) or to DeadLettered (poison).
//
// Architecture:
//   - "msgs" holds every non-terminal copy, keyed by message ID. Terminal
//     copies are dropped as soon as they are reported.
//   - "timers" maps ID → scheduler.TimerID for every Invisible copy; exactly
//     one entry exists per Invisible copy.
//   - Selection among Visible copies is delegated to the node's OrderingBuffer.
//
// Not safe for concurrent use: it runs inside a single-threaded simulation.
type VisibilityManager struct {
	node      int
	sched     *scheduler.Scheduler
	cfg       Config
	buf       OrderingBuffer
	msgs      map[string]*Message
	timers    map[string]scheduler.TimerID
	invisible int

	// Nil hooks are skipped; exhausted copies are then silently dropped.
	hooks Hooks

	stats VisibilityStats
}

// NewVisibilityManager creates the manager for storage node index node.
func NewVisibilityManager(
	node int,
	sched *scheduler.Scheduler,
	buf OrderingBuffer,
	cfg Config,
	hooks Hooks,
) (*VisibilityManager, error) {
	if sched == nil || buf == nil {
		return nil, errors.New("queue: visibility manager needs a scheduler and an ordering buffer")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	if cfg.MaxReceiveCount < 0 {
		return nil, fmt.Errorf("queue: max receive count must be >= 0, got %d", cfg.MaxReceiveCount)
	}
	return &VisibilityManager{
		node:   node,
		sched:  sched,
		cfg:    cfg,
		buf:    buf,
		msgs:   make(map[string]*Message),
		timers: make(map[string]scheduler.TimerID),
		hooks:  hooks,
	}, nil
}

// ─── Add ──────────────────────────────────────────────────────────────────────

// Add stores msg as a fresh Visible copy and offers it to the ordering buffer.
// A copy without its own visibility timeout inherits the node default.
func (vm *VisibilityManager) Add(msg *Message) error {
	if _, ok := vm.msgs[msg.ID]; ok {
		return fmt.Errorf("%w: %s on node %d", ErrDuplicate, msg.ID, vm.node)
	}
	if msg.VisibilityTimeout <= 0 {
		msg.VisibilityTimeout = vm.cfg.VisibilityTimeout
	}
	msg.Status = StatusVisible
	msg.ReceiveCount = 0
	msg.InvisibleUntil = 0

	if err := vm.buf.Enqueue(msg); err != nil {
		return fmt.Errorf("node %d: enqueue %s: %w", vm.node, msg.ID, err)
	}
	vm.msgs[msg.ID] = msg
	vm.stats.Added++
	return nil
}

// ─── Receive ─────────────────────────────────────────────────────────────────

// Receive hands out the copy chosen by the ordering buffer, hides it for its
// visibility timeout and arms the expiry timer. Returns nil when no copy is
// eligible (empty node, or strict order blocked on its head).
//
// The returned pointer is the node's own copy; callers must treat it as
// read-only.
func (vm *VisibilityManager) Receive() *Message {
	msg := vm.buf.Dequeue()
	if msg == nil || msg.Status != StatusVisible {
		return nil
	}

	now := vm.sched.Now()
	msg.Status = StatusInvisible
	msg.InvisibleUntil = now + msg.VisibilityTimeout
	msg.ReceiveCount++
	vm.invisible++
	vm.arm(msg.ID, msg.VisibilityTimeout)

	vm.stats.Received++
	return msg
}

// ─── Acknowledge / Delete ─────────────────────────────────────────────────────

// Acknowledge deletes an Invisible copy and cancels its timer in the same
// step, so the timer can never fire afterwards. Any other state (Visible,
// terminal, unknown) is a no-op returning false.
func (vm *VisibilityManager) Acknowledge(id string) bool {
	msg, ok := vm.msgs[id]
	if !ok || msg.Status != StatusInvisible {
		return false
	}
	vm.disarm(id)
	vm.invisible--
	msg.InvisibleUntil = 0
	msg.Status = StatusDeleted
	vm.drop(msg)
	vm.stats.Acknowledged++
	return true
}

// Delete is the replica side of the broker's acknowledge broadcast. An
// Invisible copy is acknowledged; a Visible copy is deleted without ever being
// delivered. Terminal or unknown copies are a no-op returning false.
func (vm *VisibilityManager) Delete(id string) bool {
	msg, ok := vm.msgs[id]
	if !ok {
		return false
	}
	switch msg.Status {
	case StatusInvisible:
		return vm.Acknowledge(id)
	case StatusVisible:
		msg.Status = StatusDeleted
		vm.drop(msg)
		vm.stats.Deleted++
		return true
	default:
		return false
	}
}

// ChangeVisibility re-arms the timer of an Invisible copy so it stays hidden
// for d from now. d <= 0 ends the visibility window immediately. Returns false
// if the copy is not Invisible.
func (vm *VisibilityManager) ChangeVisibility(id string, d time.Duration) bool {
	msg, ok := vm.msgs[id]
	if !ok || msg.Status != StatusInvisible {
		return false
	}
	vm.disarm(id)
	if d <= 0 {
		vm.expire(id)
		return true
	}
	msg.InvisibleUntil = vm.sched.Now() + d
	vm.arm(id, d)
	return true
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Node returns the storage node index this manager belongs to.
func (vm *VisibilityManager) Node() int { return vm.node }

// Get returns the live copy for id.
func (vm *VisibilityManager) Get(id string) (*Message, bool) {
	msg, ok := vm.msgs[id]
	return msg, ok
}

// Len returns the number of live (Visible + Invisible) copies.
func (vm *VisibilityManager) Len() int { return len(vm.msgs) }

// VisibleCount returns the number of Visible copies.
func (vm *VisibilityManager) VisibleCount() int { return len(vm.msgs) - vm.invisible }

// InvisibleCount returns the number of Invisible copies, which equals the
// number of armed timers.
func (vm *VisibilityManager) InvisibleCount() int { return vm.invisible }

// Stats returns the node's transition counters.
func (vm *VisibilityManager) Stats() VisibilityStats { return vm.stats }

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (vm *VisibilityManager) arm(id string, d time.Duration) {
	vm.timers[id] = vm.sched.After(d, func() {
		delete(vm.timers, id)
		vm.expire(id)
	})
}

func (vm *VisibilityManager) disarm(id string) {
	if tid, ok := vm.timers[id]; ok {
		vm.sched.Cancel(tid)
		delete(vm.timers, id)
	}
}

// expire ends the visibility window of an Invisible copy: dead-letter once the
// receive budget is spent, otherwise make it Visible again.
func (vm *VisibilityManager) expire(id string) {
	msg, ok := vm.msgs[id]
	if !ok || msg.Status != StatusInvisible {
		return
	}
	vm.invisible--
	msg.InvisibleUntil = 0

	if vm.cfg.MaxReceiveCount > 0 && msg.ReceiveCount >= vm.cfg.MaxReceiveCount {
		msg.Status = StatusDeadLettered
		vm.drop(msg)
		vm.stats.DeadLettered++
		if vm.hooks.OnDeadLetter != nil {
			vm.hooks.OnDeadLetter(vm.node, msg)
		}
		return
	}

	msg.Status = StatusVisible
	vm.buf.Requeue(msg)
	vm.stats.Redelivered++
	if vm.hooks.OnRedeliver != nil {
		vm.hooks.OnRedeliver(vm.node, msg)
	}
}

// drop forgets a terminal copy.
func (vm *VisibilityManager) drop(msg *Message) {
	vm.buf.Remove(msg.ID)
	delete(vm.msgs, msg.ID)
}
