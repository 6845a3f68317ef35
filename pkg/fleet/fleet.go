package fleet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/pkg/balancer"
	"github.com/flotilla-dev/flotilla/pkg/config"
	"github.com/flotilla-dev/flotilla/pkg/events"
	"github.com/flotilla-dev/flotilla/pkg/health"
	"github.com/flotilla-dev/flotilla/pkg/log"
	"github.com/flotilla-dev/flotilla/pkg/metrics"
	"github.com/flotilla-dev/flotilla/pkg/netaddr"
	"github.com/flotilla-dev/flotilla/pkg/node"
	"github.com/flotilla-dev/flotilla/pkg/router"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

var (
	// ErrNodeNotFound is returned for operations on unregistered node ids
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeAlreadyExists is returned when re-registering an identical node
	ErrNodeAlreadyExists = errors.New("node already exists")

	// ErrInvalidNodeState is returned when re-registering an id with
	// different parameters
	ErrInvalidNodeState = errors.New("invalid node state")
)

// Fleet is the registry and network facade. It owns the node collection
// grouped by service type, composes the allocator, health controller and
// router, and is the single entry point for external callers.
//
// Registry-wide mutations (register, deregister, fault, recovery) serialize
// against the candidate-list step of routing through the registry lock, so a
// routing decision always reads a consistent membership snapshot. Lock order
// is allocator, then registry, then node; the registry never calls into the
// allocator while holding its own lock.
type Fleet struct {
	cfg       *config.Config
	allocator *netaddr.Allocator
	health    *health.Controller
	router    *router.Router
	broker    *events.Broker

	mu        sync.RWMutex
	nodes     map[string]*node.Node
	byService map[types.ServiceType][]*node.Node // registration order
	ordinals  map[types.ServiceType]int          // next instance number

	logger zerolog.Logger
}

// New assembles a fleet from configuration
func New(cfg *config.Config) (*Fleet, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	firewallDefault := netaddr.ActionAllow
	if cfg.FirewallDefault == "deny" {
		firewallDefault = netaddr.ActionDeny
	}

	allocator := netaddr.New(netaddr.Config{
		BaseDomain:      cfg.BaseDomain,
		FirewallDefault: firewallDefault,
	})
	for _, region := range cfg.Regions {
		if err := allocator.AddRegion(region.Name, region.CIDR); err != nil {
			return nil, fmt.Errorf("declaring region %s: %w", region.Name, err)
		}
	}

	strategy, err := balancer.FromConfig(cfg.Strategy, cfg.Seed)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	controller := health.NewController()

	f := &Fleet{
		cfg:       cfg,
		allocator: allocator,
		health:    controller,
		broker:    broker,
		nodes:     make(map[string]*node.Node),
		byService: make(map[types.ServiceType][]*node.Node),
		ordinals:  make(map[types.ServiceType]int),
		logger:    log.WithComponent("fleet"),
	}

	controller.OnTransition(f.onHealthTransition)

	rt, err := router.New(router.Config{
		Registry:   f,
		Health:     controller,
		Strategy:   strategy,
		Broker:     broker,
		Firewall:   allocator,
		SleepScale: cfg.SleepScale,
	})
	if err != nil {
		return nil, err
	}
	f.router = rt

	return f, nil
}

// Close stops the event broker
func (f *Fleet) Close() {
	f.broker.Stop()
}

// NodeSpec describes a node to register
type NodeSpec struct {
	ID          string
	ServiceType types.ServiceType
	Region      string
	Capacity    types.Capacity
}

// Register adds a node to the fleet: reserves its instance ordinal, allocates
// its address and hostname, and makes it eligible for routing. Allocation
// failures (unknown region, exhausted subnet) are fatal to this registration
// and leave no trace of the node behind.
func (f *Fleet) Register(spec NodeSpec) (*node.Node, error) {
	n, err := node.New(spec.ID, spec.ServiceType, spec.Region, spec.Capacity)
	if err != nil {
		return nil, err
	}

	// Reserve the id and instance ordinal. The node stays invisible to
	// routing until its address is bound.
	f.mu.Lock()
	if existing, ok := f.nodes[spec.ID]; ok {
		f.mu.Unlock()
		if existing.ServiceType == spec.ServiceType &&
			existing.Region == spec.Region &&
			existing.Capacity == spec.Capacity {
			return nil, fmt.Errorf("%w: %s", ErrNodeAlreadyExists, spec.ID)
		}
		return nil, fmt.Errorf("%w: %s re-registered with different parameters", ErrInvalidNodeState, spec.ID)
	}
	f.ordinals[spec.ServiceType]++
	n.Ordinal = f.ordinals[spec.ServiceType]
	f.nodes[spec.ID] = n
	f.mu.Unlock()

	subnet, err := f.allocator.AllocateSubnet(spec.Region, spec.ServiceType)
	if err == nil {
		var addr types.Address
		addr, err = f.allocator.AllocateNodeAddress(subnet, spec.ID, n.Ordinal, f.cfg.NodePort)
		if err == nil {
			n.BindAddress(addr)
		}
	}
	if err != nil {
		f.mu.Lock()
		delete(f.nodes, spec.ID)
		f.mu.Unlock()
		return nil, fmt.Errorf("registering %s: %w", spec.ID, err)
	}

	f.mu.Lock()
	f.byService[spec.ServiceType] = append(f.byService[spec.ServiceType], n)
	f.mu.Unlock()

	f.health.Track(n)

	metrics.NodesTotal.WithLabelValues(string(spec.ServiceType), string(types.NodeHealthy)).Inc()
	metrics.AddressesAllocated.WithLabelValues(spec.Region).Inc()
	f.broker.Publish(&events.Event{
		Type:    events.EventNodeRegistered,
		NodeID:  spec.ID,
		Message: fmt.Sprintf("%s in %s at %s", spec.ServiceType, spec.Region, n.Address().IP),
	})

	f.logger.Info().
		Str("node_id", spec.ID).
		Str("service", string(spec.ServiceType)).
		Str("region", spec.Region).
		Str("ip", n.Address().IP).
		Str("dns", n.Address().DNSName).
		Msg("node registered")

	return n, nil
}

// Deregister removes a node from the fleet and releases its address binding
func (f *Fleet) Deregister(nodeID string) error {
	f.mu.Lock()
	n, ok := f.nodes[nodeID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	delete(f.nodes, nodeID)

	peers := f.byService[n.ServiceType]
	for i, peer := range peers {
		if peer.ID == nodeID {
			f.byService[n.ServiceType] = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	f.health.Forget(nodeID)
	f.allocator.ReleaseNodeAddress(nodeID)

	metrics.NodesTotal.WithLabelValues(string(n.ServiceType), string(n.Health())).Dec()
	metrics.AddressesAllocated.WithLabelValues(n.Region).Dec()
	f.broker.Publish(&events.Event{
		Type:   events.EventNodeDeregistered,
		NodeID: nodeID,
	})

	f.logger.Info().Str("node_id", nodeID).Msg("node deregistered")
	return nil
}

// InjectFault fails a node. Idempotent; unknown ids are ignored.
func (f *Fleet) InjectFault(nodeID string) {
	f.health.InjectFault(nodeID)
}

// SignalRecovery recovers a failed node. Idempotent; unknown ids are ignored.
func (f *Fleet) SignalRecovery(nodeID string) {
	f.health.SignalRecovery(nodeID)
}

// Route submits a request and runs it to a terminal outcome in one call.
// Missing identity and timestamps are filled in before the router takes
// ownership.
func (f *Fleet) Route(req *types.ServiceRequest) (types.Outcome, error) {
	f.prepare(req)
	return f.router.Route(req)
}

// Submit places and admits a request without resolving it: the request holds
// capacity on its node until Finish. This is how load accumulates across
// concurrent work in the model.
func (f *Fleet) Submit(req *types.ServiceRequest) (types.Outcome, error) {
	f.prepare(req)
	return f.router.Submit(req)
}

// Finish resolves a previously submitted request
func (f *Fleet) Finish(req *types.ServiceRequest) (types.Outcome, error) {
	return f.router.Finish(req)
}

func (f *Fleet) prepare(req *types.ServiceRequest) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.ServiceType == "" {
		req.ServiceType = req.Kind.ServiceFor()
	}
	req.Status = types.RequestPending
}

// NodesOf returns the nodes of a service type in registration order and
// whether the type was ever registered. Implements the router's registry
// surface; callers get a copy and cannot perturb membership.
func (f *Fleet) NodesOf(svc types.ServiceType) ([]*node.Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, known := f.ordinals[svc]; !known {
		return nil, false
	}
	peers := f.byService[svc]
	out := make([]*node.Node, len(peers))
	copy(out, peers)
	return out, true
}

// Node looks up a registered node by id
func (f *Fleet) Node(nodeID string) (*node.Node, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return n, nil
}

// Allocator exposes the address API: subnets, DNS, NAT and firewall
func (f *Fleet) Allocator() *netaddr.Allocator {
	return f.allocator
}

// Subscribe returns a channel of fleet events
func (f *Fleet) Subscribe() events.Subscriber {
	return f.broker.Subscribe()
}

// Unsubscribe releases an event subscription
func (f *Fleet) Unsubscribe(sub events.Subscriber) {
	f.broker.Unsubscribe(sub)
}

// onHealthTransition mirrors health changes into metrics and events
func (f *Fleet) onHealthTransition(t health.Transition) {
	f.mu.RLock()
	n, ok := f.nodes[t.NodeID]
	f.mu.RUnlock()

	svc := ""
	if ok {
		svc = string(n.ServiceType)
	}

	switch t.To {
	case types.NodeFailed:
		metrics.FaultsInjected.Inc()
		metrics.RequestsAborted.Add(float64(t.AbortedRequests))
		if ok {
			metrics.NodesTotal.WithLabelValues(svc, string(types.NodeHealthy)).Dec()
			metrics.NodesTotal.WithLabelValues(svc, string(types.NodeFailed)).Inc()
		}
		f.broker.Publish(&events.Event{
			Type:    events.EventNodeFailed,
			NodeID:  t.NodeID,
			Message: fmt.Sprintf("%d in-flight requests aborted", t.AbortedRequests),
		})
	case types.NodeHealthy:
		metrics.NodesRecovered.Inc()
		if ok {
			metrics.NodesTotal.WithLabelValues(svc, string(types.NodeFailed)).Dec()
			metrics.NodesTotal.WithLabelValues(svc, string(types.NodeHealthy)).Inc()
		}
		f.broker.Publish(&events.Event{
			Type:   events.EventNodeRecovered,
			NodeID: t.NodeID,
		})
	}
}

// Snapshot takes a consistent point-in-time view of the fleet. Counters are
// updated synchronously with every routing decision, so a snapshot is never
// stale relative to completed operations.
func (f *Fleet) Snapshot() types.Snapshot {
	f.mu.RLock()
	nodes := make([]*node.Node, 0, len(f.nodes))
	services := make([]types.ServiceType, 0, len(f.byService))
	for svc := range f.ordinals {
		services = append(services, svc)
	}
	for _, svc := range services {
		nodes = append(nodes, f.byService[svc]...)
	}
	f.mu.RUnlock()

	snap := types.Snapshot{
		TakenAt:  time.Now(),
		Services: make(map[types.ServiceType]types.ServiceStat, len(services)),
	}

	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, n.Stat())
	}

	for _, svc := range services {
		routed, completed, failed := f.router.ServiceTotals(svc)
		stat := types.ServiceStat{
			ServiceType: svc,
			Routed:      routed,
			Completed:   completed,
			Failed:      failed,
		}
		for _, n := range nodes {
			if n.ServiceType != svc {
				continue
			}
			stat.Nodes++
			if n.Health() == types.NodeHealthy {
				stat.HealthyNodes++
			}
		}
		snap.Services[svc] = stat
	}

	routed, completed, failed, unroutable := f.router.Totals()
	snap.Routed = routed
	snap.Completed = completed
	snap.Failed = failed
	snap.Unroutable = unroutable
	if attempts := completed + failed + unroutable; attempts > 0 {
		snap.SuccessRate = float64(completed) / float64(attempts) * 100
	}
	return snap
}
