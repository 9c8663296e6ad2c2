// Package dlq collects message copies that exhausted their receive budget.
//
// Every storage node dead-letters its own copy independently, so one logical
// message can appear up to replicationFactor times. The Sink keeps each copy
// as an Entry in arrival order and offers the inspection and recovery helpers:
//
//   - Peek:   read (but don't consume) the oldest N entries.
//   - Drain:  destructively consume and return the oldest N entries.
//   - Replay: publish dead-lettered logical messages again for reprocessing.
package dlq

import (
	"fmt"
	"time"

	"github.com/snehjoshi/epochsim/internal/types"
)

// Entry is one dead-lettered copy.
type Entry struct {
	// At is the virtual time the copy was dead-lettered.
	At time.Duration `json:"at"`
	// Node is the storage node that held the copy.
	Node int `json:"node"`
	// Message is a snapshot of the copy at dead-letter time.
	Message *types.Message `json:"message"`
}

// PublishFunc re-publishes a logical message; the broker's Publish satisfies it
// through a small adapter.
type PublishFunc func(msg *types.Message) error

// Sink is an in-memory dead-letter store. Not safe for concurrent use.
type Sink struct {
	entries []Entry
	perID   map[string]int // id → live entries
	total   int64
}

// NewSink returns an empty Sink.
func NewSink() *Sink {
	return &Sink{perID: make(map[string]int)}
}

// Record stores a snapshot of msg dead-lettered on node at virtual time at.
func (s *Sink) Record(at time.Duration, node int, msg *types.Message) {
	s.entries = append(s.entries, Entry{At: at, Node: node, Message: msg.Clone()})
	s.perID[msg.ID]++
	s.total++
}

// Len returns the number of entries currently held.
func (s *Sink) Len() int { return len(s.entries) }

// Unique returns the number of distinct logical messages currently held.
func (s *Sink) Unique() int { return len(s.perID) }

// Total returns the number of copies ever recorded, including drained ones.
func (s *Sink) Total() int64 { return s.total }

// Peek returns up to limit of the oldest entries without removing them.
// limit <= 0 means all.
func (s *Sink) Peek(limit int) []Entry {
	n := s.bound(limit)
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out
}

// Drain removes and returns up to limit of the oldest entries.
// limit <= 0 means all.
func (s *Sink) Drain(limit int) []Entry {
	n := s.bound(limit)
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	for _, e := range out {
		s.forget(e.Message.ID)
	}
	s.entries = append(s.entries[:0:0], s.entries[n:]...)
	return out
}

// Replay publishes up to limit distinct logical messages, oldest first, with
// a fresh receive history. Every entry of a replayed message is removed from
// the sink. A failed publish leaves that message's entries in place; the
// first such error is returned alongside the number replayed.
func (s *Sink) Replay(limit int, publish PublishFunc) (int, error) {
	if publish == nil {
		return 0, fmt.Errorf("dlq.Replay: nil publish func")
	}
	var (
		replayed int
		firstErr error
		done     = make(map[string]bool)
		tried    = make(map[string]bool)
	)
	for _, e := range s.entries {
		if limit > 0 && replayed >= limit {
			break
		}
		id := e.Message.ID
		if tried[id] {
			continue
		}
		tried[id] = true

		fresh := e.Message.Replica()
		fresh.ReplicaNodes = nil
		if err := publish(fresh); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("dlq.Replay: %s: %w", id, err)
			}
			continue
		}
		done[id] = true
		replayed++
	}

	if len(done) > 0 {
		kept := s.entries[:0:0]
		for _, e := range s.entries {
			if done[e.Message.ID] {
				s.forget(e.Message.ID)
				continue
			}
			kept = append(kept, e)
		}
		s.entries = kept
	}
	return replayed, firstErr
}

func (s *Sink) bound(limit int) int {
	if limit <= 0 || limit > len(s.entries) {
		return len(s.entries)
	}
	return limit
}

func (s *Sink) forget(id string) {
	if s.perID[id] <= 1 {
		delete(s.perID, id)
		return
	}
	s.perID[id]--
}
