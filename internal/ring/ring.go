// Package ring places messages on storage nodes with a consistent hash ring.
//
// Every node owns virtualNodes positions on a 64-bit ring; a message belongs
// to the node owning the first position at or after the hash of its ID, and
// its replicas are the next distinct nodes walking clockwise.
package ring

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of memoised lookups kept by default.
const DefaultCacheSize = 4096

type vnode struct {
	hash uint64
	node int
}

type lookupKey struct {
	id string
	rf int
}

// Ring is immutable after New apart from its lookup cache.
type Ring struct {
	numNodes int
	vnodes   []vnode // sorted by hash
	firstPos []int   // node → index of its lowest position in vnodes
	cache    *lru.Cache[lookupKey, []int]
}

// Option customises a Ring.
type Option func(*options)

type options struct {
	cacheSize int
}

// WithCacheSize sets the number of memoised lookups. n <= 0 keeps the default.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// New builds a ring of numNodes storage nodes with virtualNodes positions each.
func New(numNodes, virtualNodes int, opts ...Option) (*Ring, error) {
	if numNodes < 1 {
		return nil, fmt.Errorf("ring: need at least one node, got %d", numNodes)
	}
	if virtualNodes < 1 {
		return nil, fmt.Errorf("ring: need at least one virtual node per node, got %d", virtualNodes)
	}
	o := options{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := lru.New[lookupKey, []int](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("ring: lookup cache: %w", err)
	}

	r := &Ring{
		numNodes: numNodes,
		vnodes:   make([]vnode, 0, numNodes*virtualNodes),
		firstPos: make([]int, numNodes),
		cache:    cache,
	}
	for n := 0; n < numNodes; n++ {
		for v := 0; v < virtualNodes; v++ {
			r.vnodes = append(r.vnodes, vnode{
				hash: xxhash.Sum64String(fmt.Sprintf("node-%d#vn-%d", n, v)),
				node: n,
			})
		}
	}
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash != r.vnodes[j].hash {
			return r.vnodes[i].hash < r.vnodes[j].hash
		}
		return r.vnodes[i].node < r.vnodes[j].node
	})

	for i := range r.firstPos {
		r.firstPos[i] = -1
	}
	for i, vn := range r.vnodes {
		if r.firstPos[vn.node] < 0 {
			r.firstPos[vn.node] = i
		}
	}
	return r, nil
}

// NumNodes returns the number of physical nodes.
func (r *Ring) NumNodes() int { return r.numNodes }

// PrimaryNode returns the node owning the first position at or after the
// hash of id, wrapping past the top of the ring.
func (r *Ring) PrimaryNode(id string) int {
	h := xxhash.Sum64String(id)
	i := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= h })
	if i == len(r.vnodes) {
		i = 0
	}
	return r.vnodes[i].node
}

// ReplicaSet returns primary followed by the next distinct nodes clockwise
// from primary's first position. The result has min(max(rf,1), NumNodes())
// entries and no duplicates.
func (r *Ring) ReplicaSet(primary, rf int) []int {
	if primary < 0 || primary >= r.numNodes {
		return nil
	}
	want := r.clamp(rf)
	out := make([]int, 0, want)
	out = append(out, primary)
	if want == 1 {
		return out
	}

	seen := make(map[int]struct{}, want)
	seen[primary] = struct{}{}
	start := r.firstPos[primary]
	for step := 1; step < len(r.vnodes) && len(out) < want; step++ {
		n := r.vnodes[(start+step)%len(r.vnodes)].node
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Lookup returns ReplicaSet(PrimaryNode(id), rf), memoised. The returned
// slice is the caller's to keep.
func (r *Ring) Lookup(id string, rf int) []int {
	key := lookupKey{id: id, rf: r.clamp(rf)}
	if nodes, ok := r.cache.Get(key); ok {
		return append([]int(nil), nodes...)
	}
	nodes := r.ReplicaSet(r.PrimaryNode(id), rf)
	r.cache.Add(key, nodes)
	return append([]int(nil), nodes...)
}

func (r *Ring) clamp(rf int) int {
	if rf < 1 {
		rf = 1
	}
	if rf > r.numNodes {
		rf = r.numNodes
	}
	return rf
}
