// Package broker is the replicated message broker of epochsim.
//
// Every published message is copied onto replicationFactor storage nodes
// chosen by the consistent hash ring. Consumers receive from a random node,
// and an acknowledgement is broadcast to every replica; it succeeds only when
// a strict majority of replicas confirm the delete.
//
// Data flow:
//
//	Producer → Broker.Publish     → ring.Lookup → queue.Node.Add (×rf)
//	Consumer → Broker.Receive     → queue.Node.Receive (random node)
//	         → Broker.Acknowledge → queue.Node.Delete (every replica)
//	Timeout  → queue.VisibilityManager → dlq.Sink
package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/snehjoshi/epochsim/internal/config"
	"github.com/snehjoshi/epochsim/internal/dlq"
	"github.com/snehjoshi/epochsim/internal/ids"
	"github.com/snehjoshi/epochsim/internal/metrics"
	"github.com/snehjoshi/epochsim/internal/queue"
	"github.com/snehjoshi/epochsim/internal/ring"
	"github.com/snehjoshi/epochsim/internal/scheduler"
	"github.com/snehjoshi/epochsim/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrDuplicate is returned by Publish when a replica node still holds a
	// live copy with the requested ID.
	ErrDuplicate = errors.New("broker: message id already stored")
)

// ─── Request / Response types ─────────────────────────────────────────────────

// PublishRequest carries everything needed to publish one message.
type PublishRequest struct {
	// ID is optional; a ULID is generated when empty.
	ID       string
	Body     []byte
	Metadata map[string]string // optional producer-set key/value pairs
	// VisibilityTimeout overrides the node default when positive.
	VisibilityTimeout time.Duration
}

// NodeStats is the depth snapshot of one storage node.
type NodeStats struct {
	Index     int `json:"index"`
	Depth     int `json:"depth"`
	Visible   int `json:"visible"`
	Invisible int `json:"invisible"`
}

// Stats is a snapshot of broker-wide state and counters.
type Stats struct {
	Nodes             []NodeStats `json:"nodes"`
	ReplicationFactor int         `json:"replication_factor"`

	// StoredCopies is the number of live copies across all nodes.
	StoredCopies int `json:"stored_copies"`
	// UniqueMessages is StoredCopies / ReplicationFactor.
	UniqueMessages int `json:"unique_messages"`

	Published     int64 `json:"published"`
	Received      int64 `json:"received"`
	ReceiveMisses int64 `json:"receive_misses"`
	Acknowledged  int64 `json:"acknowledged"`
	AckFailed     int64 `json:"ack_failed"`
	// DeadLettered and Redelivered count copies, not logical messages.
	DeadLettered int64 `json:"dead_lettered"`
	Redelivered  int64 `json:"redelivered"`
	// DeadLetterDepth is the number of distinct messages in the sink.
	DeadLetterDepth int `json:"dead_letter_depth"`
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry to the broker so that every
// Publish/Receive/Acknowledge call increments the relevant counter.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithDeadLetterSink routes dead-lettered copies to sink instead of a
// private one.
func WithDeadLetterSink(sink *dlq.Sink) Option {
	return func(b *Broker) {
		if sink != nil {
			b.sink = sink
		}
	}
}

// WithLogger sets the broker's logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker is the façade over the ring and the storage nodes.
//
// Not safe for concurrent use: it is driven by one simulation's scheduler.
type Broker struct {
	sched *scheduler.Scheduler
	rng   *rand.Rand
	ring  *ring.Ring
	nodes []*queue.Node
	rf    int
	ids   *ids.Generator
	sink  *dlq.Sink

	// Optional integrations (set via functional options).
	metrics *metrics.Registry
	log     *slog.Logger

	published, received, misses int64
	acked, ackFailed            int64
	deadLettered, redelivered   int64
}

// New builds a broker with cfg.NumNodes storage nodes on sched. rng drives
// node selection, unordered delivery and message IDs; it must be the
// simulation's seeded source.
func New(sched *scheduler.Scheduler, rng *rand.Rand, cfg config.BrokerConfig, opts ...Option) (*Broker, error) {
	if sched == nil || rng == nil {
		return nil, errors.New("broker: scheduler and random source are required")
	}
	if cfg.NumNodes < 1 {
		return nil, fmt.Errorf("broker: need at least one node, got %d", cfg.NumNodes)
	}
	mode, err := queue.ParseOrderingMode(cfg.Ordering)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	vnodes := cfg.VirtualNodes
	if vnodes < 1 {
		vnodes = 1
	}
	r, err := ring.New(cfg.NumNodes, vnodes, ring.WithCacheSize(cfg.LookupCacheSize))
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	rf := cfg.ReplicationFactor
	if rf < 1 {
		rf = 1
	}
	if rf > cfg.NumNodes {
		rf = cfg.NumNodes
	}

	b := &Broker{
		sched: sched,
		rng:   rng,
		ring:  r,
		rf:    rf,
		ids:   ids.NewGenerator(rand.New(rand.NewSource(rng.Int63())), time.Time{}),
		sink:  dlq.NewSink(),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(b)
	}

	hooks := queue.Hooks{
		OnDeadLetter: b.onDeadLetter,
		OnRedeliver:  b.onRedeliver,
	}
	nodeCfg := queue.Config{
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxReceiveCount:   cfg.MaxReceiveCount,
	}
	b.nodes = make([]*queue.Node, cfg.NumNodes)
	for i := range b.nodes {
		n, err := queue.NewNode(sched, rng, queue.NodeConfig{
			Index:    i,
			Ordering: mode,
			Config:   nodeCfg,
		}, hooks)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.nodes[i] = n
	}

	if cfg.ReplicationFactor > cfg.NumNodes {
		b.log.Warn("replication factor clamped to node count",
			"requested", cfg.ReplicationFactor, "nodes", cfg.NumNodes)
	}
	return b, nil
}

// ReplicationFactor returns the effective (clamped) replication factor.
func (b *Broker) ReplicationFactor() int { return b.rf }

// Nodes returns the storage nodes in index order.
func (b *Broker) Nodes() []*queue.Node { return b.nodes }

// Ring returns the placement ring.
func (b *Broker) Ring() *ring.Ring { return b.ring }

// DeadLetters returns the dead-letter sink.
func (b *Broker) DeadLetters() *dlq.Sink { return b.sink }

// ─── Publish ──────────────────────────────────────────────────────────────────

// Publish stores one independent copy of the message on every node of its
// replica set and returns the logical message. Either every replica accepts
// the copy or none does.
func (b *Broker) Publish(req PublishRequest) (*types.Message, error) {
	now := b.sched.Now()
	id := req.ID
	if id == "" {
		var err error
		if id, err = b.ids.Next(now); err != nil {
			return nil, fmt.Errorf("broker: generate message ID: %w", err)
		}
	}

	replicas := b.ring.Lookup(id, b.rf)
	for _, n := range replicas {
		if _, live := b.nodes[n].Visibility().Get(id); live {
			return nil, fmt.Errorf("%w: %s on node %d", ErrDuplicate, id, n)
		}
	}

	msg := &types.Message{
		ID:                id,
		Body:              req.Body,
		Metadata:          req.Metadata,
		ArrivedAt:         now,
		VisibilityTimeout: req.VisibilityTimeout,
		Status:            types.StatusVisible,
		ReplicaNodes:      replicas,
	}
	for _, n := range replicas {
		if err := b.nodes[n].Add(msg.Replica()); err != nil {
			return nil, fmt.Errorf("broker: publish %s: %w", id, err)
		}
		if b.metrics != nil {
			b.metrics.Published.Inc(metrics.NodeKey(n))
		}
	}
	b.published++
	return msg, nil
}

// ─── Receive ──────────────────────────────────────────────────────────────────

// Receive polls one uniformly chosen node. It returns that node's copy, now
// Invisible, or nil when the node had nothing deliverable. The copy must be
// treated as read-only.
func (b *Broker) Receive() *types.Message {
	idx := b.rng.Intn(len(b.nodes))
	msg := b.nodes[idx].Receive()
	if msg == nil {
		b.misses++
		if b.metrics != nil {
			b.metrics.ReceiveMisses.Inc(metrics.ScopeBroker)
		}
		return nil
	}
	b.received++
	if b.metrics != nil {
		b.metrics.Received.Inc(metrics.NodeKey(idx))
	}
	return msg
}

// ─── Acknowledge ──────────────────────────────────────────────────────────────

// Acknowledge broadcasts a delete of msg to every replica node. A replica
// confirms when it still held a live copy; replicas that already lost theirs
// (deleted, dead-lettered) are skipped. The acknowledgement succeeds iff
// confirmations form a strict majority of the replica set.
func (b *Broker) Acknowledge(msg *types.Message) bool {
	if msg == nil || len(msg.ReplicaNodes) == 0 {
		return false
	}
	confirmed := 0
	for _, n := range msg.ReplicaNodes {
		if n < 0 || n >= len(b.nodes) {
			continue
		}
		if b.nodes[n].Delete(msg.ID) {
			confirmed++
			if b.metrics != nil {
				b.metrics.Deleted.Inc(metrics.NodeKey(n))
			}
		}
	}

	ok := confirmed*2 > len(msg.ReplicaNodes)
	if ok {
		b.acked++
		if b.metrics != nil {
			b.metrics.AckOutcomes.Inc(metrics.OutcomeMajority)
		}
	} else {
		b.ackFailed++
		if b.metrics != nil {
			b.metrics.AckOutcomes.Inc(metrics.OutcomeMinority)
		}
		b.log.Debug("acknowledge without majority",
			"id", msg.ID, "confirmed", confirmed, "replicas", len(msg.ReplicaNodes))
	}
	return ok
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns a snapshot of node depths and broker counters.
func (b *Broker) Stats() Stats {
	st := Stats{
		Nodes:             make([]NodeStats, len(b.nodes)),
		ReplicationFactor: b.rf,
		Published:         b.published,
		Received:          b.received,
		ReceiveMisses:     b.misses,
		Acknowledged:      b.acked,
		AckFailed:         b.ackFailed,
		DeadLettered:      b.deadLettered,
		Redelivered:       b.redelivered,
		DeadLetterDepth:   b.sink.Unique(),
	}
	for i, n := range b.nodes {
		vm := n.Visibility()
		st.Nodes[i] = NodeStats{
			Index:     i,
			Depth:     n.Depth(),
			Visible:   vm.VisibleCount(),
			Invisible: vm.InvisibleCount(),
		}
		st.StoredCopies += n.Depth()
	}
	st.UniqueMessages = st.StoredCopies / b.rf
	return st
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

// ReplayDeadLetters re-publishes up to limit dead-lettered messages under
// their original IDs. A message whose other replicas are still live cannot be
// replayed yet and stays in the sink.
func (b *Broker) ReplayDeadLetters(limit int) (int, error) {
	n, err := b.sink.Replay(limit, func(m *types.Message) error {
		_, pubErr := b.Publish(PublishRequest{
			ID:                m.ID,
			Body:              m.Body,
			Metadata:          m.Metadata,
			VisibilityTimeout: m.VisibilityTimeout,
		})
		return pubErr
	})
	if n > 0 {
		b.log.Info("replayed dead letters", "count", n)
	}
	return n, err
}

// ─── Hooks ───────────────────────────────────────────────────────────────────

func (b *Broker) onDeadLetter(node int, msg *types.Message) {
	b.deadLettered++
	b.sink.Record(b.sched.Now(), node, msg)
	if b.metrics != nil {
		b.metrics.DeadLettered.Inc(metrics.NodeKey(node))
	}
	b.log.Debug("copy dead-lettered",
		"id", msg.ID, "node", node, "receives", msg.ReceiveCount, "at", b.sched.Now())
}

func (b *Broker) onRedeliver(node int, _ *types.Message) {
	b.redelivered++
	if b.metrics != nil {
		b.metrics.Redelivered.Inc(metrics.NodeKey(node))
	}
}
