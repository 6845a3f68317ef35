package router

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/flotilla-dev/flotilla/pkg/balancer"
	"github.com/flotilla-dev/flotilla/pkg/events"
	"github.com/flotilla-dev/flotilla/pkg/health"
	"github.com/flotilla-dev/flotilla/pkg/log"
	"github.com/flotilla-dev/flotilla/pkg/metrics"
	"github.com/flotilla-dev/flotilla/pkg/node"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

var (
	// ErrServiceTypeUnknown is returned when no node of the requested
	// service type was ever registered
	ErrServiceTypeUnknown = errors.New("service type unknown")

	// ErrRequestNotInFlight is returned by Finish for requests that were
	// never submitted or already resolved
	ErrRequestNotInFlight = errors.New("request not in flight")
)

// Registry is the node lookup surface the router needs. The fleet registry
// implements it; NodesOf returns nodes in registration order and reports
// whether the service type has ever been registered.
type Registry interface {
	NodesOf(svc types.ServiceType) ([]*node.Node, bool)
}

// Firewall is consulted before dispatching a request that carries a source
// address. The allocator implements it; a denial comes back as a typed error.
type Firewall interface {
	CheckFirewall(sourceIP, destIP string, port int, protocol string) error
}

// Config assembles a router
type Config struct {
	Registry Registry
	Health   *health.Controller
	Strategy balancer.Strategy
	Broker   *events.Broker // Optional
	Firewall Firewall       // Optional

	// SleepScale multiplies the simulated latency into real wall-clock
	// sleep during Finish. Zero keeps processing instantaneous, which
	// tests rely on.
	SleepScale float64
}

// Router admits and simulates requests: candidate lookup through the
// registry, eligibility through the health controller, placement through the
// configured strategy, then admission against the chosen node's capacity.
//
// Submission and completion are separate phases so that load accumulates the
// way it does in a real fleet: Submit places and admits a request, Finish
// resolves it and releases its capacity. Route runs both back to back for
// callers that want the full lifecycle in one call.
type Router struct {
	registry   Registry
	health     *health.Controller
	strategy   balancer.Strategy
	broker     *events.Broker
	firewall   Firewall
	sleepScale float64

	routed     *atomic.Int64
	completed  *atomic.Int64
	failed     *atomic.Int64
	unroutable *atomic.Int64

	mu       sync.Mutex
	pending  map[string]*node.Node // submitted request id -> its node
	services map[types.ServiceType]*serviceTotals

	logger zerolog.Logger
}

type serviceTotals struct {
	routed    *atomic.Int64
	completed *atomic.Int64
	failed    *atomic.Int64
}

// New creates a router from config
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("router requires a registry")
	}
	if cfg.Health == nil {
		return nil, fmt.Errorf("router requires a health controller")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("router requires a balancing strategy")
	}

	return &Router{
		registry:   cfg.Registry,
		health:     cfg.Health,
		strategy:   cfg.Strategy,
		broker:     cfg.Broker,
		firewall:   cfg.Firewall,
		sleepScale: cfg.SleepScale,
		routed:     atomic.NewInt64(0),
		completed:  atomic.NewInt64(0),
		failed:     atomic.NewInt64(0),
		unroutable: atomic.NewInt64(0),
		pending:    make(map[string]*node.Node),
		services:   make(map[types.ServiceType]*serviceTotals),
		logger:     log.WithComponent("router"),
	}, nil
}

// Route admits and simulates one request end to end. Routing-level failures
// come back as outcomes; only an unknown service type is an error, since it
// indicates a caller bug rather than fleet load.
func (r *Router) Route(req *types.ServiceRequest) (types.Outcome, error) {
	outcome, err := r.Submit(req)
	if err != nil || outcome.Code != types.OutcomeRouted {
		return outcome, err
	}
	return r.Finish(req)
}

// Submit resolves the target service, picks an eligible node and admits the
// request against its capacity. On success the request is Processing and
// holds capacity on its node until Finish resolves it.
func (r *Router) Submit(req *types.ServiceRequest) (types.Outcome, error) {
	svc := req.ServiceType
	if svc == "" {
		svc = req.Kind.ServiceFor()
		req.ServiceType = svc
	}

	nodes, known := r.registry.NodesOf(svc)
	if !known {
		return types.Outcome{}, fmt.Errorf("%w: %s", ErrServiceTypeUnknown, svc)
	}

	eligible := make([]*node.Node, 0, len(nodes))
	for _, n := range nodes {
		if r.health.IsEligible(n) {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return r.resolveUnroutable(req, svc, types.OutcomeServiceUnavailable,
			fmt.Sprintf("no eligible %s node", svc)), nil
	}

	picked, err := r.strategy.Select(eligible, balancer.Hint{ServiceType: svc, Region: req.Region})
	if err != nil {
		return r.resolveUnroutable(req, svc, types.OutcomeServiceUnavailable, err.Error()), nil
	}

	if err := picked.Admit(req.ID, req.AdmissionCost()); err != nil {
		// Rejected, not queued: the core never buffers requests. A node
		// that failed between the eligibility snapshot and admission is
		// unavailability, not load.
		code := types.OutcomeCapacityExceeded
		if errors.Is(err, node.ErrUnhealthy) {
			code = types.OutcomeServiceUnavailable
		}
		out := r.resolveUnroutable(req, svc, code, err.Error())
		out.Err = err
		return out, nil
	}

	addr := picked.Address()
	req.Status = types.RequestRouted
	req.NodeID = picked.ID
	req.DestIP = addr.IP
	req.DestPort = addr.Port

	r.routed.Inc()
	r.totalsFor(svc).routed.Inc()
	metrics.NodeActiveRequests.WithLabelValues(picked.ID, string(svc)).Set(float64(picked.ActiveRequests()))
	r.publish(events.EventRequestRouted, picked.ID, req.ID, string(req.Kind))

	if r.firewall != nil && req.SourceIP != "" {
		if err := r.firewall.CheckFirewall(req.SourceIP, req.DestIP, req.DestPort, "tcp"); err != nil {
			picked.Fail(req.ID)
			out := r.resolveFailed(req, svc, picked, err.Error())
			out.Err = err
			return out, nil
		}
	}

	req.Status = types.RequestProcessing
	r.mu.Lock()
	r.pending[req.ID] = picked
	r.mu.Unlock()

	r.logger.Debug().
		Str("request_id", req.ID).
		Str("node_id", picked.ID).
		Msg("request admitted")

	return types.Outcome{Code: types.OutcomeRouted, NodeID: picked.ID}, nil
}

// Finish resolves a submitted request: simulates its processing latency,
// enforces the deadline, releases capacity and reports the terminal outcome.
// A request force-resolved by a fault comes back Failed here.
func (r *Router) Finish(req *types.ServiceRequest) (types.Outcome, error) {
	r.mu.Lock()
	picked, ok := r.pending[req.ID]
	delete(r.pending, req.ID)
	r.mu.Unlock()
	if !ok {
		return types.Outcome{}, fmt.Errorf("%w: %s", ErrRequestNotInFlight, req.ID)
	}
	svc := req.ServiceType

	latency := r.simulateLatency(req, picked)

	if !req.Deadline.IsZero() && time.Now().Add(latency).After(req.Deadline) {
		// Logical timeout: resolve to failure instead of completing late.
		if aborted := picked.Fail(req.ID); aborted {
			return r.resolveFailed(req, svc, picked, "node failed while processing"), nil
		}
		return r.resolveFailed(req, svc, picked, "deadline exceeded"), nil
	}

	if r.sleepScale > 0 {
		time.Sleep(time.Duration(float64(latency) * r.sleepScale))
	}

	if aborted := picked.Complete(req.ID); aborted {
		return r.resolveFailed(req, svc, picked, "node failed while processing"), nil
	}

	req.Status = types.RequestCompleted
	req.Latency = latency
	r.completed.Inc()
	r.totalsFor(svc).completed.Inc()
	metrics.RequestsRouted.WithLabelValues(string(svc), string(types.OutcomeCompleted)).Inc()
	metrics.RoutingLatency.WithLabelValues(string(svc)).Observe(latency.Seconds())
	metrics.NodeActiveRequests.WithLabelValues(picked.ID, string(svc)).Set(float64(picked.ActiveRequests()))

	r.publish(events.EventRequestCompleted, picked.ID, req.ID, string(req.Kind))
	if svc == types.ServicePayment && req.Kind == types.KindValidateTask {
		r.publish(events.EventTaskValidated, picked.ID, req.ID, "task validated")
	}

	r.logger.Debug().
		Str("request_id", req.ID).
		Str("node_id", picked.ID).
		Dur("latency", latency).
		Msg("request completed")

	return types.Outcome{
		Code:    types.OutcomeCompleted,
		NodeID:  picked.ID,
		Latency: latency,
	}, nil
}

// simulateLatency derives the processing latency from the request kind and
// the node's current load. No hidden nondeterminism: the same admission
// sequence always yields the same latencies.
func (r *Router) simulateLatency(req *types.ServiceRequest, n *node.Node) time.Duration {
	base := req.Kind.BaseLatency()
	return time.Duration(float64(base) * (1 + n.LoadRatio()))
}

func (r *Router) resolveUnroutable(req *types.ServiceRequest, svc types.ServiceType, code types.OutcomeCode, reason string) types.Outcome {
	req.Status = types.RequestFailed
	r.unroutable.Inc()
	metrics.RequestsRouted.WithLabelValues(string(svc), string(code)).Inc()
	r.publish(events.EventRequestFailed, "", req.ID, reason)

	r.logger.Debug().
		Str("request_id", req.ID).
		Str("service", string(svc)).
		Str("reason", reason).
		Msg("request unroutable")

	return types.Outcome{Code: code, Reason: reason}
}

func (r *Router) resolveFailed(req *types.ServiceRequest, svc types.ServiceType, n *node.Node, reason string) types.Outcome {
	req.Status = types.RequestFailed
	r.failed.Inc()
	r.totalsFor(svc).failed.Inc()
	metrics.RequestsRouted.WithLabelValues(string(svc), string(types.OutcomeFailed)).Inc()
	metrics.NodeActiveRequests.WithLabelValues(n.ID, string(svc)).Set(float64(n.ActiveRequests()))
	r.publish(events.EventRequestFailed, n.ID, req.ID, reason)

	return types.Outcome{Code: types.OutcomeFailed, NodeID: n.ID, Reason: reason}
}

func (r *Router) totalsFor(svc types.ServiceType) *serviceTotals {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.services[svc]
	if !ok {
		t = &serviceTotals{
			routed:    atomic.NewInt64(0),
			completed: atomic.NewInt64(0),
			failed:    atomic.NewInt64(0),
		}
		r.services[svc] = t
	}
	return t
}

func (r *Router) publish(kind events.EventType, nodeID, requestID, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:      kind,
		NodeID:    nodeID,
		RequestID: requestID,
		Message:   msg,
	})
}

// Totals reports the global routing counters: routed, completed, failed, and
// unroutable (service-unavailable plus capacity-exceeded outcomes).
func (r *Router) Totals() (routed, completed, failed, unroutable int64) {
	return r.routed.Load(), r.completed.Load(), r.failed.Load(), r.unroutable.Load()
}

// ServiceTotals reports per-service routing counters
func (r *Router) ServiceTotals(svc types.ServiceType) (routed, completed, failed int64) {
	r.mu.Lock()
	t, ok := r.services[svc]
	r.mu.Unlock()
	if !ok {
		return 0, 0, 0
	}
	return t.routed.Load(), t.completed.Load(), t.failed.Load()
}
