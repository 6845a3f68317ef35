package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-dev/flotilla/pkg/balancer"
	"github.com/flotilla-dev/flotilla/pkg/health"
	"github.com/flotilla-dev/flotilla/pkg/netaddr"
	"github.com/flotilla-dev/flotilla/pkg/node"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

// fakeRegistry serves a fixed node list, standing in for the fleet
type fakeRegistry struct {
	nodes map[types.ServiceType][]*node.Node
}

func (f *fakeRegistry) NodesOf(svc types.ServiceType) ([]*node.Node, bool) {
	nodes, ok := f.nodes[svc]
	return nodes, ok
}

// denyAll is a firewall that blocks everything
type denyAll struct{}

func (denyAll) CheckFirewall(src, dst string, port int, proto string) error {
	return fmt.Errorf("%w: %s -> %s:%d", netaddr.ErrFirewallDenied, src, dst, port)
}

// failAfterSelect fails the chosen node between selection and admission,
// modeling a fault landing in that window
type failAfterSelect struct {
	inner balancer.Strategy
}

func (f failAfterSelect) Name() string { return f.inner.Name() }

func (f failAfterSelect) Select(candidates []*node.Node, hint balancer.Hint) (*node.Node, error) {
	picked, err := f.inner.Select(candidates, hint)
	if err == nil {
		picked.MarkFailed()
	}
	return picked, err
}

func newTestRouter(t *testing.T, nodes []*node.Node, opts ...func(*Config)) (*Router, *health.Controller) {
	t.Helper()

	reg := &fakeRegistry{nodes: map[types.ServiceType][]*node.Node{}}
	hc := health.NewController()
	for _, n := range nodes {
		reg.nodes[n.ServiceType] = append(reg.nodes[n.ServiceType], n)
		hc.Track(n)
	}

	cfg := Config{
		Registry: reg,
		Health:   hc,
		Strategy: balancer.NewLeastLoaded(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r, err := New(cfg)
	require.NoError(t, err)
	return r, hc
}

func userNode(t *testing.T, id string, max int64) *node.Node {
	t.Helper()
	n, err := node.New(id, types.ServiceUser, "region-central", types.Capacity{MaxRequests: max})
	require.NoError(t, err)
	n.BindAddress(types.Address{IP: "10.0.0.2", DNSName: id + ".region-central.flotilla.local", Port: 8080})
	return n
}

func TestRouteCompletes(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, _ := newTestRouter(t, []*node.Node{n})

	req := &types.ServiceRequest{ID: "r1", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err := r.Route(req)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeCompleted, outcome.Code)
	assert.Equal(t, "user-1", outcome.NodeID)
	assert.Positive(t, outcome.Latency)
	assert.Equal(t, types.RequestCompleted, req.Status)
	assert.Equal(t, "10.0.0.2", req.DestIP)
	assert.Equal(t, 8080, req.DestPort)
	assert.Zero(t, n.ActiveRequests(), "capacity released on completion")
}

func TestRouteUnknownServiceType(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	req := &types.ServiceRequest{ID: "r1", ServiceType: types.ServiceChat}
	_, err := r.Route(req)
	assert.ErrorIs(t, err, ErrServiceTypeUnknown)
}

func TestRouteServiceUnavailable(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, hc := newTestRouter(t, []*node.Node{n})
	hc.InjectFault("user-1")

	req := &types.ServiceRequest{ID: "r1", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeServiceUnavailable, outcome.Code)

	_, _, _, unroutable := r.Totals()
	assert.Equal(t, int64(1), unroutable)
}

func TestRouteCapacityExceeded(t *testing.T) {
	n := userNode(t, "user-1", 1)
	r, _ := newTestRouter(t, []*node.Node{n})

	held := &types.ServiceRequest{ID: "held", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err := r.Submit(held)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeRouted, outcome.Code)

	req := &types.ServiceRequest{ID: "r2", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err = r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCapacityExceeded, outcome.Code)
}

func TestSubmitThenFinish(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, _ := newTestRouter(t, []*node.Node{n})

	req := &types.ServiceRequest{ID: "r1", Kind: types.KindSendMessage, ServiceType: types.ServiceUser}
	outcome, err := r.Submit(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRouted, outcome.Code)
	assert.Equal(t, int64(1), n.ActiveRequests(), "submitted request holds capacity")

	outcome, err = r.Finish(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome.Code)
	assert.Zero(t, n.ActiveRequests())

	// A second Finish has nothing to resolve
	_, err = r.Finish(req)
	assert.ErrorIs(t, err, ErrRequestNotInFlight)
}

func TestFaultWhileProcessing(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, hc := newTestRouter(t, []*node.Node{n})

	req := &types.ServiceRequest{ID: "r1", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	_, err := r.Submit(req)
	require.NoError(t, err)

	hc.InjectFault("user-1")

	outcome, err := r.Finish(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome.Code)
	assert.Contains(t, outcome.Reason, "node failed")
	assert.Equal(t, types.RequestFailed, req.Status)
}

func TestDeadlineExceeded(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, _ := newTestRouter(t, []*node.Node{n})

	req := &types.ServiceRequest{
		ID:          "r1",
		Kind:        types.KindValidateTask, // 200ms base, far beyond the deadline
		ServiceType: types.ServiceUser,
		Deadline:    time.Now().Add(time.Millisecond),
	}
	outcome, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome.Code)
	assert.Contains(t, outcome.Reason, "deadline")
	assert.Zero(t, n.ActiveRequests(), "capacity released on timeout")
}

func TestFirewallDenied(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, _ := newTestRouter(t, []*node.Node{n}, func(cfg *Config) {
		cfg.Firewall = denyAll{}
	})

	req := &types.ServiceRequest{
		ID:          "r1",
		Kind:        types.KindAuthenticate,
		ServiceType: types.ServiceUser,
		SourceIP:    "192.0.2.1",
	}
	outcome, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome.Code)
	assert.Contains(t, outcome.Reason, "firewall")
	assert.ErrorIs(t, outcome.Err, netaddr.ErrFirewallDenied)
	assert.Zero(t, n.ActiveRequests())

	// Requests without a source address skip the firewall
	clean := &types.ServiceRequest{ID: "r2", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err = r.Route(clean)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome.Code)
}

// TestFaultBetweenSelectionAndAdmission covers a node failing after the
// balancer picks it but before it admits the request: the outcome must
// report the node as unavailable, not over capacity.
func TestFaultBetweenSelectionAndAdmission(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, _ := newTestRouter(t, []*node.Node{n}, func(cfg *Config) {
		cfg.Strategy = failAfterSelect{inner: balancer.NewLeastLoaded()}
	})

	req := &types.ServiceRequest{ID: "r1", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err := r.Route(req)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeServiceUnavailable, outcome.Code)
	assert.ErrorIs(t, outcome.Err, node.ErrUnhealthy)
	assert.Zero(t, n.ActiveRequests())
}

func TestLatencyScalesWithLoad(t *testing.T) {
	n := userNode(t, "user-1", 10)
	r, _ := newTestRouter(t, []*node.Node{n})

	idle := &types.ServiceRequest{ID: "idle", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err := r.Route(idle)
	require.NoError(t, err)
	idleLatency := outcome.Latency

	// Hold half the capacity, the same kind now takes longer
	for i := 0; i < 5; i++ {
		held := &types.ServiceRequest{ID: string(rune('a' + i)), Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
		_, err := r.Submit(held)
		require.NoError(t, err)
	}
	loaded := &types.ServiceRequest{ID: "loaded", Kind: types.KindAuthenticate, ServiceType: types.ServiceUser}
	outcome, err = r.Route(loaded)
	require.NoError(t, err)

	assert.Greater(t, outcome.Latency, idleLatency)
}
