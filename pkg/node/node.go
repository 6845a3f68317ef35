package node

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/flotilla-dev/flotilla/pkg/types"
)

var (
	// ErrUnhealthy is returned by Admit when the node is not healthy
	ErrUnhealthy = errors.New("node unhealthy")

	// ErrAtCapacity is returned by Admit when reserving the request's cost
	// would exceed the node's budget
	ErrAtCapacity = errors.New("node at capacity")
)

// Node is one service instance in the fleet. Identity, service type, region
// and capacity are immutable after construction; only load, health and the
// address binding mutate. The registry owns every node and mediates access
// from the router and the health controller.
type Node struct {
	ID          string
	ServiceType types.ServiceType
	Region      string
	Capacity    types.Capacity

	// Ordinal is the node's registration position within its service type,
	// assigned by the registry. It fixes the round-robin order and the
	// instance number in the node's hostname.
	Ordinal int

	mu       sync.Mutex
	health   types.NodeHealth
	addr     types.Address
	inflight map[string]int64    // request id -> admitted cost
	aborted  map[string]struct{} // requests force-resolved by a fault

	// sem bounds admitted capacity units; two concurrent admissions can
	// never jointly exceed MaxRequests.
	sem       *semaphore.Weighted
	active    *atomic.Int64
	processed *atomic.Int64
	failed    *atomic.Int64
}

// New creates a healthy node with no address bound yet
func New(id string, svc types.ServiceType, region string, capacity types.Capacity) (*Node, error) {
	if id == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	if capacity.MaxRequests <= 0 {
		return nil, fmt.Errorf("node %s: MaxRequests must be positive, got %d", id, capacity.MaxRequests)
	}

	return &Node{
		ID:          id,
		ServiceType: svc,
		Region:      region,
		Capacity:    capacity,
		health:      types.NodeHealthy,
		inflight:    make(map[string]int64),
		aborted:     make(map[string]struct{}),
		sem:         semaphore.NewWeighted(capacity.MaxRequests),
		active:      atomic.NewInt64(0),
		processed:   atomic.NewInt64(0),
		failed:      atomic.NewInt64(0),
	}, nil
}

// BindAddress records the address allocated to this node
func (n *Node) BindAddress(addr types.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addr = addr
}

// Address returns the address bound to this node
func (n *Node) Address() types.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// Health returns the current health state
func (n *Node) Health() types.NodeHealth {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.health
}

// Admit reserves cost capacity units for a request. ErrUnhealthy and
// ErrAtCapacity distinguish a node that failed since the caller's eligibility
// snapshot from one that is simply over budget. On nil the load is already
// incremented and the request is tracked until Complete or Fail.
func (n *Node) Admit(requestID string, cost int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.health != types.NodeHealthy {
		return fmt.Errorf("%w: %s", ErrUnhealthy, n.ID)
	}
	if !n.sem.TryAcquire(cost) {
		return fmt.Errorf("%w: %s", ErrAtCapacity, n.ID)
	}
	n.inflight[requestID] = cost
	n.active.Add(cost)
	return nil
}

// Complete releases a request's capacity and counts it as processed. It
// returns true when the request was already force-resolved by a fault, in
// which case the caller must report the request as failed instead.
func (n *Node) Complete(requestID string) (aborted bool) {
	return n.finish(requestID, true)
}

// Fail releases a request's capacity and counts it as failed
func (n *Node) Fail(requestID string) (aborted bool) {
	return n.finish(requestID, false)
}

func (n *Node) finish(requestID string, success bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, wasAborted := n.aborted[requestID]; wasAborted {
		// Capacity was already returned when the fault reset the load.
		delete(n.aborted, requestID)
		return true
	}

	cost, ok := n.inflight[requestID]
	if !ok {
		return false
	}
	delete(n.inflight, requestID)
	n.sem.Release(cost)
	n.active.Sub(cost)
	if success {
		n.processed.Inc()
	} else {
		n.failed.Inc()
	}
	return false
}

// MarkFailed transitions the node to failed and force-resolves every
// in-flight request: their capacity is returned immediately, they are counted
// as failures, and their eventual Complete/Fail reports them aborted.
// The check and the transition happen under one lock, so exactly one of any
// number of concurrent callers observes transitioned true; the rest see a
// no-op on an already-failed node.
func (n *Node) MarkFailed() (abortedRequests int, transitioned bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.health == types.NodeFailed {
		return 0, false
	}
	n.health = types.NodeFailed

	for id, cost := range n.inflight {
		delete(n.inflight, id)
		n.aborted[id] = struct{}{}
		n.sem.Release(cost)
		n.active.Sub(cost)
		n.failed.Inc()
		abortedRequests++
	}
	return abortedRequests, true
}

// MarkHealthy transitions a failed node back to healthy with zero load. Load
// was already cleared when the fault landed, so recovery is instantaneous and
// the node is eligible on the very next routing decision. Like MarkFailed,
// exactly one concurrent caller observes the transition.
func (n *Node) MarkHealthy() (transitioned bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.health != types.NodeFailed {
		return false
	}
	n.health = types.NodeHealthy
	return true
}

// ActiveRequests returns the capacity units currently admitted
func (n *Node) ActiveRequests() int64 {
	return n.active.Load()
}

// LoadRatio returns admitted load as a fraction of capacity, in [0, 1]
func (n *Node) LoadRatio() float64 {
	return float64(n.active.Load()) / float64(n.Capacity.MaxRequests)
}

// CPUPercent derives the display CPU load from the raw counters. It is
// observational only; admission decisions use the semaphore, never this.
func (n *Node) CPUPercent() float64 {
	return clampPercent(n.LoadRatio() * 100)
}

// MemoryPercent derives the display memory load, weighted per service type
func (n *Node) MemoryPercent() float64 {
	return clampPercent(n.LoadRatio() * 100 * n.ServiceType.MemoryWeight())
}

// Stat snapshots the node for dashboards
func (n *Node) Stat() types.NodeStat {
	n.mu.Lock()
	health := n.health
	addr := n.addr
	n.mu.Unlock()

	return types.NodeStat{
		NodeID:         n.ID,
		ServiceType:    n.ServiceType,
		Region:         n.Region,
		Health:         health,
		Address:        addr,
		ActiveRequests: n.active.Load(),
		MaxRequests:    n.Capacity.MaxRequests,
		CPUPercent:     n.CPUPercent(),
		MemoryPercent:  n.MemoryPercent(),
		Processed:      n.processed.Load(),
		Failed:         n.failed.Load(),
	}
}

func clampPercent(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
