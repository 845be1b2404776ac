package engine

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// Dispatcher maintains a deterministic mapping from cluster ID to the
// owning live engine instance using a consistent hash ring, so that
// membership churn moves the minimum necessary number of clusters.
// Ownership is a derived, recomputable function of the membership view;
// nothing is persisted and the mapping self-heals on rebuild.
type Dispatcher struct {
	mu sync.RWMutex

	// virtualNodes is the number of ring points per instance.
	virtualNodes int

	// ring maps hash points to instance IDs, keys sorted in points.
	ring   map[uint64]string
	points []uint64

	// members is the instance set the ring was built from.
	members []string
}

// NewDispatcher creates a dispatcher with the given number of virtual
// nodes per instance.
func NewDispatcher(virtualNodes int) *Dispatcher {
	if virtualNodes <= 0 {
		virtualNodes = 128
	}
	return &Dispatcher{
		virtualNodes: virtualNodes,
		ring:         make(map[uint64]string),
	}
}

// Rebuild replaces the ring with one derived from the given live
// instance set. Safe to call concurrently with Owner lookups.
func (d *Dispatcher) Rebuild(instances []string) {
	ring := make(map[uint64]string, len(instances)*d.virtualNodes)
	points := make([]uint64, 0, len(instances)*d.virtualNodes)

	for _, id := range instances {
		for v := 0; v < d.virtualNodes; v++ {
			p := hashKey(fmt.Sprintf("%s#%d", id, v))
			// First writer wins on the rare point collision.
			if _, taken := ring[p]; !taken {
				ring[p] = id
				points = append(points, p)
			}
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	members := make([]string, len(instances))
	copy(members, instances)
	sort.Strings(members)

	d.mu.Lock()
	d.ring = ring
	d.points = points
	d.members = members
	d.mu.Unlock()
}

// Owner returns the instance owning the given cluster, or empty if no
// instance is live.
func (d *Dispatcher) Owner(clusterID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.points) == 0 {
		return ""
	}
	h := hashKey(clusterID)
	i := sort.Search(len(d.points), func(i int) bool { return d.points[i] >= h })
	if i == len(d.points) {
		i = 0
	}
	return d.ring[d.points[i]]
}

// Owns reports whether the given instance owns the cluster.
func (d *Dispatcher) Owns(instanceID, clusterID string) bool {
	return d.Owner(clusterID) == instanceID
}

// Members returns the sorted instance set the ring was built from.
func (d *Dispatcher) Members() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.members))
	copy(out, d.members)
	return out
}

func hashKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
