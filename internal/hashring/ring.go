// ============================================================================
// Taskshard Hash Ring - Weighted Consistent Hashing
// ============================================================================
//
// Package: internal/hashring
// File: ring.go
// Purpose: Maps an arbitrary key to one member of a weighted node set
//
// Layout:
//   Every node is placed on a 64-bit ring as weight*replicas virtual points.
//   A key is owned by the node of the first point clockwise from hash(key),
//   wrapping around to the first point.
//
//   points (sorted by hash, ties by node ID)
//   ┌──────┬──────┬──────┬──────┬──────┐
//   │ n2#7 │ n1#3 │ n3#0 │ n1#9 │ n2#1 │ ...
//   └──────┴──────┴──────┴──────┴──────┘
//              ↑ hash(key) lands here → n1
//
// Stability:
//   Points depend only on (node ID, point index), so adding node C moves
//   only the keys that now fall on C's points. Rebuilding from the weight
//   map keeps the result independent of mutation order.
//
// Validation:
//   Every mutation validates its whole NodeSpec before touching state;
//   an invalid spec changes nothing.
//
// ============================================================================

package hashring

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

const (
	// DefaultReplicas is the number of virtual points per unit of weight.
	DefaultReplicas = 100
	// MaxReplicas caps replicas; larger values are clamped.
	MaxReplicas = 1000
	// MaxWeight is the largest accepted node weight.
	MaxWeight = 1000
)

var (
	// ErrInvalidNode is returned for an empty node ID.
	ErrInvalidNode = errors.New("invalid node id")
	// ErrInvalidWeight is returned for a weight outside 1..MaxWeight.
	ErrInvalidWeight = errors.New("node weight out of range")
)

type point struct {
	hash uint64
	node types.NodeID
}

// Ring is a weighted consistent-hash ring. It is safe for concurrent use.
type Ring struct {
	mu       sync.RWMutex
	replicas int
	weights  map[types.NodeID]int
	points   []point
}

// New creates an empty ring. replicas <= 0 selects DefaultReplicas;
// values above MaxReplicas are clamped.
func New(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if replicas > MaxReplicas {
		replicas = MaxReplicas
	}
	return &Ring{
		replicas: replicas,
		weights:  make(map[types.NodeID]int),
	}
}

// Replace atomically replaces the whole node set.
func (r *Ring) Replace(spec types.NodeSpec) error {
	weights, err := collect(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.weights = weights
	r.rebuild()
	return nil
}

// Add inserts nodes. A node already present takes the new weight.
func (r *Ring) Add(spec types.NodeSpec) error {
	weights, err := collect(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range weights {
		r.weights[id] = w
	}
	r.rebuild()
	return nil
}

// Remove deletes nodes; weights in the spec are ignored and unknown nodes are skipped.
// It reports how many nodes were actually removed.
func (r *Ring) Remove(spec types.NodeSpec) (int, error) {
	for _, e := range spec.Entries() {
		if e.ID == "" {
			return 0, ErrInvalidNode
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, e := range spec.Entries() {
		if _, ok := r.weights[e.ID]; ok {
			delete(r.weights, e.ID)
			removed++
		}
	}
	if removed > 0 {
		r.rebuild()
	}
	return removed, nil
}

// Locate returns the owner of key. The second result is false when the ring is empty.
func (r *Ring) Locate(key string) (types.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", false
	}

	h := xxhash.Sum64String(key)
	idx, _ := slices.BinarySearchFunc(r.points, h, func(p point, t uint64) int {
		switch {
		case p.hash < t:
			return -1
		case p.hash > t:
			return 1
		default:
			return 0
		}
	})
	if idx >= len(r.points) {
		idx = 0
	}
	return r.points[idx].node, true
}

// Nodes returns the current node set sorted by ID.
func (r *Ring) Nodes() []types.NodeWeight {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.NodeWeight, 0, len(r.weights))
	for id, w := range r.weights {
		out = append(out, types.NodeWeight{ID: id, Weight: w})
	}
	slices.SortFunc(out, func(a, b types.NodeWeight) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Has reports whether node is part of the ring.
func (r *Ring) Has(node types.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.weights[node]
	return ok
}

// Len returns the number of nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.weights)
}

// Size returns the number of virtual points on the ring.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// rebuild recomputes the sorted point slice. Caller holds the write lock.
func (r *Ring) rebuild() {
	total := 0
	for _, w := range r.weights {
		total += w * r.replicas
	}

	points := make([]point, 0, total)
	for id, w := range r.weights {
		prefix := string(id) + "#"
		for i := 0; i < w*r.replicas; i++ {
			points = append(points, point{
				hash: xxhash.Sum64String(prefix + strconv.Itoa(i)),
				node: id,
			})
		}
	}

	slices.SortFunc(points, func(a, b point) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		case a.node < b.node:
			return -1
		case a.node > b.node:
			return 1
		default:
			return 0
		}
	})
	r.points = points
}

// collect validates spec and folds it into a weight map; the last entry for a node wins.
func collect(spec types.NodeSpec) (map[types.NodeID]int, error) {
	out := make(map[types.NodeID]int, spec.Len())
	for _, e := range spec.Entries() {
		if e.ID == "" {
			return nil, ErrInvalidNode
		}
		if e.Weight <= 0 || e.Weight > MaxWeight {
			return nil, fmt.Errorf("%w: node %q has weight %d", ErrInvalidWeight, e.ID, e.Weight)
		}
		out[e.ID] = e.Weight
	}
	return out, nil
}
