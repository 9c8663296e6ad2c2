package scheduler

import (
	"container/list"
	"fmt"
	"time"
)

// Token is the receipt for one acquired Pool slot. It must be handed back to
// Release exactly once.
type Token struct {
	id         uint64
	AcquiredAt time.Duration
}

// waiter is one entry in the Pool's FIFO wait list.
type waiter struct {
	fn       func(Token)
	queuedAt time.Duration
}

// PoolStats is the time-weighted occupancy of a Pool since the last ResetStats.
type PoolStats struct {
	// Window is the length of virtual time the averages cover.
	Window time.Duration
	// MeanQueueLen is the time-average number of waiting acquirers.
	MeanQueueLen float64
	// MeanBusy is the time-average number of slots in use.
	MeanBusy float64
	// Utilization is MeanBusy / Capacity.
	Utilization float64
	// MaxQueueLen is the largest wait list observed.
	MaxQueueLen int
	// Grants counts acquisitions granted in the window.
	Grants int64
}

// Pool is a counting semaphore over simulated servers (broker threads,
// receiver threads). Acquirers that find every slot busy are parked in a FIFO
// list and resumed, in arrival order, as slots are released.
type Pool struct {
	s        *Scheduler
	name     string
	capacity int
	busy     int
	nextTok  uint64
	waiters  *list.List // elements are *waiter (FIFO)
	holders  map[uint64]struct{}

	// time-weighted accounting
	statsFrom  time.Duration
	lastChange time.Duration
	queueArea  float64 // ∫ queueLen dt, in seconds·waiters
	busyArea   float64 // ∫ busy dt, in seconds·servers
	maxQueue   int
	grants     int64
}

// NewPool creates a Pool with capacity slots bound to s.
func NewPool(s *Scheduler, name string, capacity int) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool %s: capacity must be at least 1, got %d", name, capacity)
	}
	return &Pool{
		s:        s,
		name:     name,
		capacity: capacity,
		waiters:  list.New(),
		holders:  make(map[uint64]struct{}),
	}, nil
}

// Name returns the pool's label.
func (p *Pool) Name() string { return p.name }

// Capacity returns the number of slots.
func (p *Pool) Capacity() int { return p.capacity }

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int { return p.busy }

// QueueLen returns the number of parked acquirers.
func (p *Pool) QueueLen() int { return p.waiters.Len() }

// Acquire requests one slot. When a slot is free fn runs immediately with the
// new Token; otherwise the request joins the FIFO wait list and fn runs when a
// Release hands a slot over.
func (p *Pool) Acquire(fn func(Token)) {
	p.account()
	if p.busy < p.capacity {
		fn(p.grant())
		return
	}
	p.waiters.PushBack(&waiter{fn: fn, queuedAt: p.s.Now()})
	if n := p.waiters.Len(); n > p.maxQueue {
		p.maxQueue = n
	}
}

// Release returns the slot identified by tok. If acquirers are waiting, the
// oldest one receives the slot and is resumed via Scheduler.Spawn.
func (p *Pool) Release(tok Token) error {
	if _, ok := p.holders[tok.id]; !ok {
		return fmt.Errorf("pool %s: release of unknown token %d", p.name, tok.id)
	}
	p.account()
	delete(p.holders, tok.id)
	p.busy--

	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	p.waiters.Remove(front)
	w := front.Value.(*waiter)
	next := p.grant()
	p.s.Spawn(func() { w.fn(next) })
	return nil
}

// ResetStats discards the accumulated time-weighted statistics; used at the
// end of the warm-up period.
func (p *Pool) ResetStats() {
	now := p.s.Now()
	p.statsFrom = now
	p.lastChange = now
	p.queueArea = 0
	p.busyArea = 0
	p.maxQueue = p.waiters.Len()
	p.grants = 0
}

// Stats returns the time-weighted occupancy since the last ResetStats.
func (p *Pool) Stats() PoolStats {
	p.account()
	window := p.s.Now() - p.statsFrom
	st := PoolStats{
		Window:      window,
		MaxQueueLen: p.maxQueue,
		Grants:      p.grants,
	}
	if secs := window.Seconds(); secs > 0 {
		st.MeanQueueLen = p.queueArea / secs
		st.MeanBusy = p.busyArea / secs
		st.Utilization = st.MeanBusy / float64(p.capacity)
	}
	return st
}

func (p *Pool) grant() Token {
	p.busy++
	p.nextTok++
	p.grants++
	p.holders[p.nextTok] = struct{}{}
	return Token{id: p.nextTok, AcquiredAt: p.s.Now()}
}

// account folds the time elapsed since the last occupancy change into the
// running areas. Must run before every change to busy or the wait list.
func (p *Pool) account() {
	now := p.s.Now()
	if now <= p.lastChange {
		return
	}
	dt := (now - p.lastChange).Seconds()
	p.queueArea += float64(p.waiters.Len()) * dt
	p.busyArea += float64(p.busy) * dt
	p.lastChange = now
}
