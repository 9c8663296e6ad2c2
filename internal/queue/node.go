package queue

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/snehjoshi/epochsim/internal/scheduler"
)

// NodeConfig configures one storage node.
type NodeConfig struct {
	Index    int
	Ordering OrderingMode
	Config
}

// Node is one storage node of the broker: a VisibilityManager over the
// node's OrderingBuffer.
type Node struct {
	index int
	buf   OrderingBuffer
	vis   *VisibilityManager
}

// NewNode wires a node's ordering buffer and visibility manager.
// rng is used by the unordered buffer only.
func NewNode(sched *scheduler.Scheduler, rng *rand.Rand, cfg NodeConfig, hooks Hooks) (*Node, error) {
	buf, err := NewOrderingBuffer(cfg.Ordering, rng)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", cfg.Index, err)
	}
	vis, err := NewVisibilityManager(cfg.Index, sched, buf, cfg.Config, hooks)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", cfg.Index, err)
	}
	return &Node{index: cfg.Index, buf: buf, vis: vis}, nil
}

// Index returns the node's position in the broker's node list.
func (n *Node) Index() int { return n.index }

// Depth returns the number of live copies (Visible + Invisible).
func (n *Node) Depth() int { return n.vis.Len() }

// Mode returns the node's ordering mode.
func (n *Node) Mode() OrderingMode { return n.buf.Mode() }

// Add stores a fresh copy.
func (n *Node) Add(msg *Message) error { return n.vis.Add(msg) }

// Receive returns the next deliverable copy or nil.
func (n *Node) Receive() *Message { return n.vis.Receive() }

// Acknowledge deletes an Invisible copy.
func (n *Node) Acknowledge(id string) bool { return n.vis.Acknowledge(id) }

// Delete removes a Visible or Invisible copy.
func (n *Node) Delete(id string) bool { return n.vis.Delete(id) }

// ChangeVisibility re-arms an Invisible copy's timer.
func (n *Node) ChangeVisibility(id string, d time.Duration) bool {
	return n.vis.ChangeVisibility(id, d)
}

// Visibility exposes the node's VisibilityManager.
func (n *Node) Visibility() *VisibilityManager { return n.vis }
