package health

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/pkg/log"
	"github.com/flotilla-dev/flotilla/pkg/node"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

// Transition describes one health state change, delivered to the optional
// transition callback
type Transition struct {
	NodeID          string
	From, To        types.NodeHealth
	AbortedRequests int
}

// Controller drives the node health state machine and is the single
// authority on whether a node may receive work.
//
// The machine has three states. Every node starts Healthy. A fault moves it
// to Failed immediately, force-resolving in-flight work; recovery moves it
// back to Healthy with zero load. Recovering is reserved for a future
// graduated-recovery policy and is never entered by the default transitions.
type Controller struct {
	mu     sync.RWMutex
	nodes  map[string]*node.Node
	notify func(Transition)
	logger zerolog.Logger
}

// NewController creates a controller with no tracked nodes
func NewController() *Controller {
	return &Controller{
		nodes:  make(map[string]*node.Node),
		logger: log.WithComponent("health"),
	}
}

// OnTransition installs a callback invoked after every state change. The
// callback runs outside the controller's lock.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Track starts managing a node's health. Called by the registry on
// registration.
func (c *Controller) Track(n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.ID] = n
}

// Forget stops managing a node. Called by the registry on deregistration.
func (c *Controller) Forget(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, nodeID)
}

// InjectFault moves a node to Failed. In-flight requests on the node are
// force-resolved to failures, never left pending, and the node drops out of
// every future eligible-candidate set until recovery. Repeated injection and
// unknown node ids are no-ops.
func (c *Controller) InjectFault(nodeID string) {
	c.mu.RLock()
	n, ok := c.nodes[nodeID]
	notify := c.notify
	c.mu.RUnlock()
	if !ok {
		return
	}

	// The node's own lock arbitrates concurrent injections: only the call
	// that performed the transition reports and notifies.
	aborted, transitioned := n.MarkFailed()
	if !transitioned {
		return
	}

	c.logger.Warn().
		Str("node_id", nodeID).
		Int("aborted_requests", aborted).
		Msg("fault injected")

	if notify != nil {
		notify(Transition{
			NodeID:          nodeID,
			From:            types.NodeHealthy,
			To:              types.NodeFailed,
			AbortedRequests: aborted,
		})
	}
}

// SignalRecovery moves a Failed node back to Healthy with zero load. The
// node is eligible again on the very next routing decision. Recovering an
// already-healthy or unknown node is a no-op.
func (c *Controller) SignalRecovery(nodeID string) {
	c.mu.RLock()
	n, ok := c.nodes[nodeID]
	notify := c.notify
	c.mu.RUnlock()
	if !ok {
		return
	}

	if !n.MarkHealthy() {
		return
	}

	c.logger.Info().Str("node_id", nodeID).Msg("node recovered")

	if notify != nil {
		notify(Transition{
			NodeID: nodeID,
			From:   types.NodeFailed,
			To:     types.NodeHealthy,
		})
	}
}

// IsEligible reports whether a node may receive new work. Only Healthy nodes
// are eligible; Recovering nodes are excluded under the default policy.
func (c *Controller) IsEligible(n *node.Node) bool {
	return n.Health() == types.NodeHealthy
}

// Status returns the health state of a tracked node
func (c *Controller) Status(nodeID string) (types.NodeHealth, bool) {
	c.mu.RLock()
	n, ok := c.nodes[nodeID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	return n.Health(), true
}
