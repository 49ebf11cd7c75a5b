package actorruntime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

type (
	// Discovery tracks which nodes host each actor type and how loaded they
	// are, so Actor workflow actions without an explicit actor id can route
	// to the least-loaded node.
	Discovery interface {
		// Announce registers the node as a host for the actor type.
		Announce(ctx context.Context, actorType, nodeID string) error

		// ReportLoad publishes the node's in-flight invocation count for the
		// actor type.
		ReportLoad(ctx context.Context, actorType, nodeID string, inflight int) error

		// Leave removes the node from the actor type's host set.
		Leave(ctx context.Context, actorType, nodeID string) error

		// LeastLoaded returns the node with the fewest in-flight invocations
		// for the actor type, or ErrNoNodes.
		LeastLoaded(ctx context.Context, actorType string) (string, error)
	}

	// RmapDiscovery implements Discovery over Pulse replicated maps, one map
	// per actor type. Values are in-flight counts; replication keeps every
	// node's view current without polling Redis on the read path.
	RmapDiscovery struct {
		rdb *redis.Client

		mu   sync.Mutex
		maps map[string]*rmap.Map
	}

	// InmemDiscovery implements Discovery in process memory, for tests and
	// single-node deployments.
	InmemDiscovery struct {
		mu    sync.Mutex
		hosts map[string]map[string]int
	}
)

// ErrNoNodes reports that no node hosts the requested actor type.
var ErrNoNodes = errors.New("actor runtime: no nodes available")

var (
	_ Discovery = (*RmapDiscovery)(nil)
	_ Discovery = (*InmemDiscovery)(nil)
)

// NewRmapDiscovery returns a Discovery over Pulse replicated maps backed by
// the Redis connection.
func NewRmapDiscovery(rdb *redis.Client) (*RmapDiscovery, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &RmapDiscovery{rdb: rdb, maps: make(map[string]*rmap.Map)}, nil
}

// Close leaves all joined maps.
func (d *RmapDiscovery) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.maps {
		m.Close()
	}
	d.maps = make(map[string]*rmap.Map)
}

// Announce implements Discovery.
func (d *RmapDiscovery) Announce(ctx context.Context, actorType, nodeID string) error {
	m, err := d.join(ctx, actorType)
	if err != nil {
		return err
	}
	if _, err := m.SetIfNotExists(ctx, nodeID, "0"); err != nil {
		return fmt.Errorf("announce %s for %s: %w", nodeID, actorType, err)
	}
	return nil
}

// ReportLoad implements Discovery.
func (d *RmapDiscovery) ReportLoad(ctx context.Context, actorType, nodeID string, inflight int) error {
	m, err := d.join(ctx, actorType)
	if err != nil {
		return err
	}
	if _, err := m.Set(ctx, nodeID, strconv.Itoa(inflight)); err != nil {
		return fmt.Errorf("report load for %s: %w", nodeID, err)
	}
	return nil
}

// Leave implements Discovery.
func (d *RmapDiscovery) Leave(ctx context.Context, actorType, nodeID string) error {
	m, err := d.join(ctx, actorType)
	if err != nil {
		return err
	}
	if _, err := m.Delete(ctx, nodeID); err != nil {
		return fmt.Errorf("leave %s for %s: %w", nodeID, actorType, err)
	}
	return nil
}

// LeastLoaded implements Discovery. Ties break on the lexicographically
// smallest node id so routing is deterministic.
func (d *RmapDiscovery) LeastLoaded(ctx context.Context, actorType string) (string, error) {
	m, err := d.join(ctx, actorType)
	if err != nil {
		return "", err
	}
	best := ""
	bestLoad := 0
	for _, key := range m.Keys() {
		val, ok := m.Get(key)
		if !ok {
			continue
		}
		load, perr := strconv.Atoi(val)
		if perr != nil {
			continue
		}
		if best == "" || load < bestLoad || (load == bestLoad && key < best) {
			best = key
			bestLoad = load
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: actor type %q", ErrNoNodes, actorType)
	}
	return best, nil
}

func (d *RmapDiscovery) join(ctx context.Context, actorType string) (*rmap.Map, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.maps[actorType]; ok {
		return m, nil
	}
	m, err := rmap.Join(ctx, "loom:actors:"+actorType, d.rdb)
	if err != nil {
		return nil, fmt.Errorf("join discovery map for %q: %w", actorType, err)
	}
	d.maps[actorType] = m
	return m, nil
}

// NewInmemDiscovery returns an in-memory Discovery.
func NewInmemDiscovery() *InmemDiscovery {
	return &InmemDiscovery{hosts: make(map[string]map[string]int)}
}

// Announce implements Discovery.
func (d *InmemDiscovery) Announce(_ context.Context, actorType, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, ok := d.hosts[actorType]
	if !ok {
		nodes = make(map[string]int)
		d.hosts[actorType] = nodes
	}
	if _, ok := nodes[nodeID]; !ok {
		nodes[nodeID] = 0
	}
	return nil
}

// ReportLoad implements Discovery.
func (d *InmemDiscovery) ReportLoad(_ context.Context, actorType, nodeID string, inflight int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, ok := d.hosts[actorType]
	if !ok {
		nodes = make(map[string]int)
		d.hosts[actorType] = nodes
	}
	nodes[nodeID] = inflight
	return nil
}

// Leave implements Discovery.
func (d *InmemDiscovery) Leave(_ context.Context, actorType, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if nodes, ok := d.hosts[actorType]; ok {
		delete(nodes, nodeID)
	}
	return nil
}

// LeastLoaded implements Discovery.
func (d *InmemDiscovery) LeastLoaded(_ context.Context, actorType string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := ""
	bestLoad := 0
	for node, load := range d.hosts[actorType] {
		if best == "" || load < bestLoad || (load == bestLoad && node < best) {
			best = node
			bestLoad = load
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: actor type %q", ErrNoNodes, actorType)
	}
	return best, nil
}
