package fleet

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-dev/flotilla/pkg/config"
	"github.com/flotilla-dev/flotilla/pkg/events"
	"github.com/flotilla-dev/flotilla/pkg/netaddr"
	"github.com/flotilla-dev/flotilla/pkg/router"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

func newFleet(t *testing.T, strategy string) *Fleet {
	t.Helper()

	cfg := config.Default()
	cfg.Strategy = strategy
	f, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func registerUserPair(t *testing.T, f *Fleet, max int64) {
	t.Helper()
	for _, id := range []string{"user-1", "user-2"} {
		_, err := f.Register(NodeSpec{
			ID:          id,
			ServiceType: types.ServiceUser,
			Region:      "region-central",
			Capacity:    types.Capacity{CPUCores: 4, MemoryBytes: 8 << 30, MaxRequests: max},
		})
		require.NoError(t, err)
	}
}

func TestRegisterAllocatesAddress(t *testing.T) {
	f := newFleet(t, "least-loaded")

	n, err := f.Register(NodeSpec{
		ID:          "user-1",
		ServiceType: types.ServiceUser,
		Region:      "region-central",
		Capacity:    types.Capacity{MaxRequests: 50},
	})
	require.NoError(t, err)

	addr := n.Address()
	assert.Equal(t, "10.0.0.2", addr.IP)
	assert.Equal(t, "user-service-1.region-central.flotilla.local", addr.DNSName)
	assert.Equal(t, 8080, addr.Port)

	ip, err := f.Allocator().ResolveDNS(addr.DNSName)
	require.NoError(t, err)
	assert.Equal(t, addr.IP, ip)

	// Second node of the same service lands in the same subnet
	n2, err := f.Register(NodeSpec{
		ID:          "user-2",
		ServiceType: types.ServiceUser,
		Region:      "region-central",
		Capacity:    types.Capacity{MaxRequests: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", n2.Address().IP)
	assert.Equal(t, "user-service-2.region-central.flotilla.local", n2.Address().DNSName)
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFleet(t, "least-loaded")

	spec := NodeSpec{
		ID:          "user-1",
		ServiceType: types.ServiceUser,
		Region:      "region-central",
		Capacity:    types.Capacity{MaxRequests: 50},
	}
	_, err := f.Register(spec)
	require.NoError(t, err)

	_, err = f.Register(spec)
	assert.ErrorIs(t, err, ErrNodeAlreadyExists)

	spec.Capacity.MaxRequests = 100
	_, err = f.Register(spec)
	assert.ErrorIs(t, err, ErrInvalidNodeState)
}

func TestRegisterUnknownRegion(t *testing.T) {
	f := newFleet(t, "least-loaded")

	_, err := f.Register(NodeSpec{
		ID:          "user-1",
		ServiceType: types.ServiceUser,
		Region:      "region-mars",
		Capacity:    types.Capacity{MaxRequests: 50},
	})
	require.ErrorIs(t, err, netaddr.ErrRegionNotFound)

	// The failed registration leaves nothing behind
	_, err = f.Node("user-1")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestDeregister(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 50)

	n, err := f.Node("user-1")
	require.NoError(t, err)
	dns := n.Address().DNSName

	require.NoError(t, f.Deregister("user-1"))

	_, err = f.Node("user-1")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = f.Allocator().ResolveDNS(dns)
	assert.Error(t, err)

	assert.ErrorIs(t, f.Deregister("user-1"), ErrNodeNotFound)

	// Remaining node keeps serving
	outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindAuthenticate})
	require.NoError(t, err)
	assert.Equal(t, "user-2", outcome.NodeID)
}

// Two equal nodes under least-loaded: sustained concurrent load splits evenly.
func TestLeastLoadedSpreadsEvenly(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 50)

	reqs := make([]*types.ServiceRequest, 0, 100)
	for i := 0; i < 100; i++ {
		req := &types.ServiceRequest{Kind: types.KindAuthenticate}
		outcome, err := f.Submit(req)
		require.NoError(t, err)
		require.Equal(t, types.OutcomeRouted, outcome.Code)
		reqs = append(reqs, req)
	}

	n1, _ := f.Node("user-1")
	n2, _ := f.Node("user-2")
	assert.Equal(t, int64(50), n1.ActiveRequests())
	assert.Equal(t, int64(50), n2.ActiveRequests())

	for _, req := range reqs {
		outcome, err := f.Finish(req)
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeCompleted, outcome.Code)
	}
	assert.Zero(t, n1.ActiveRequests())
	assert.Zero(t, n2.ActiveRequests())

	snap := f.Snapshot()
	assert.Equal(t, int64(100), snap.Routed)
	assert.Equal(t, int64(100), snap.Completed)
	assert.Equal(t, float64(100), snap.SuccessRate)
}

// A failed node takes no traffic; after recovery it serves again.
func TestFaultRoutesAroundFailedNode(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 50)

	f.InjectFault("user-1")

	for i := 0; i < 10; i++ {
		outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindRegisterUser})
		require.NoError(t, err)
		require.Equal(t, types.OutcomeCompleted, outcome.Code)
		assert.Equal(t, "user-2", outcome.NodeID)
	}

	f.SignalRecovery("user-1")

	// Both nodes are idle again; least-loaded tie-breaks to user-1
	outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindRegisterUser})
	require.NoError(t, err)
	assert.Equal(t, "user-1", outcome.NodeID)
}

func TestFaultAbortsInFlight(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 50)

	req := &types.ServiceRequest{Kind: types.KindAuthenticate}
	outcome, err := f.Submit(req)
	require.NoError(t, err)
	require.Equal(t, "user-1", outcome.NodeID)

	f.InjectFault("user-1")

	outcome, err = f.Finish(req)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, outcome.Code)

	n1, _ := f.Node("user-1")
	assert.Zero(t, n1.ActiveRequests(), "fault releases held capacity")
}

func TestAllNodesFailedIsUnroutable(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 50)
	f.InjectFault("user-1")
	f.InjectFault("user-2")

	outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindAuthenticate})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeServiceUnavailable, outcome.Code)

	snap := f.Snapshot()
	assert.Equal(t, int64(1), snap.Unroutable)
}

// Region-aware routing prefers the request's region and falls back fleet-wide
// when that region has no healthy node.
func TestRegionAwareRouting(t *testing.T) {
	f := newFleet(t, "region-aware")

	regions := []string{"region-central", "region-west", "region-north"}
	for i, region := range regions {
		_, err := f.Register(NodeSpec{
			ID:          fmt.Sprintf("chat-%d", i+1),
			ServiceType: types.ServiceChat,
			Region:      region,
			Capacity:    types.Capacity{MaxRequests: 100},
		})
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		outcome, err := f.Route(&types.ServiceRequest{
			Kind:   types.KindSendMessage,
			Region: "region-west",
		})
		require.NoError(t, err)
		assert.Equal(t, "chat-2", outcome.NodeID)
	}

	// With the west node down the request still lands, elsewhere
	f.InjectFault("chat-2")
	outcome, err := f.Route(&types.ServiceRequest{
		Kind:   types.KindSendMessage,
		Region: "region-west",
	})
	require.NoError(t, err)
	assert.Contains(t, []string{"chat-1", "chat-3"}, outcome.NodeID)

	// No region hint: round-robin over the healthy nodes
	outcome, err = f.Route(&types.ServiceRequest{Kind: types.KindSendMessage})
	require.NoError(t, err)
	assert.NotEqual(t, "chat-2", outcome.NodeID)
}

func TestCapacityExceeded(t *testing.T) {
	f := newFleet(t, "least-loaded")

	_, err := f.Register(NodeSpec{
		ID:          "payment-1",
		ServiceType: types.ServicePayment,
		Region:      "region-central",
		Capacity:    types.Capacity{MaxRequests: 2},
	})
	require.NoError(t, err)

	held := make([]*types.ServiceRequest, 0, 2)
	for i := 0; i < 2; i++ {
		req := &types.ServiceRequest{Kind: types.KindProcessPayment}
		outcome, err := f.Submit(req)
		require.NoError(t, err)
		require.Equal(t, types.OutcomeRouted, outcome.Code)
		held = append(held, req)
	}

	outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindProcessPayment})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCapacityExceeded, outcome.Code)

	// Draining one restores admission
	_, err = f.Finish(held[0])
	require.NoError(t, err)
	outcome, err = f.Route(&types.ServiceRequest{Kind: types.KindProcessPayment})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCompleted, outcome.Code)
}

func TestUnknownServiceType(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 50)

	_, err := f.Route(&types.ServiceRequest{Kind: types.KindSendMessage})
	assert.ErrorIs(t, err, router.ErrServiceTypeUnknown)
}

func TestConcurrentSubmitRespectsCapacity(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 30)

	var (
		mu     sync.Mutex
		routed []*types.ServiceRequest
	)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &types.ServiceRequest{Kind: types.KindAuthenticate}
			outcome, err := f.Submit(req)
			if err != nil {
				return
			}
			if outcome.Code == types.OutcomeRouted {
				mu.Lock()
				routed = append(routed, req)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	n1, _ := f.Node("user-1")
	n2, _ := f.Node("user-2")
	assert.LessOrEqual(t, n1.ActiveRequests(), int64(30))
	assert.LessOrEqual(t, n2.ActiveRequests(), int64(30))
	assert.LessOrEqual(t, len(routed), 60, "admissions never exceed fleet capacity")
	assert.Equal(t, int64(len(routed)), n1.ActiveRequests()+n2.ActiveRequests())

	for _, req := range routed {
		_, err := f.Finish(req)
		require.NoError(t, err)
	}
}

func TestEventsFlow(t *testing.T) {
	f := newFleet(t, "least-loaded")
	sub := f.Subscribe()
	defer f.Unsubscribe(sub)

	_, err := f.Register(NodeSpec{
		ID:          "payment-1",
		ServiceType: types.ServicePayment,
		Region:      "region-north",
		Capacity:    types.Capacity{MaxRequests: 25},
	})
	require.NoError(t, err)

	outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindValidateTask})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeCompleted, outcome.Code)

	seen := map[events.EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[events.EventTaskValidated] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.True(t, seen[events.EventNodeRegistered])
	assert.True(t, seen[events.EventRequestRouted])
	assert.True(t, seen[events.EventRequestCompleted])
}

func TestSnapshot(t *testing.T) {
	f := newFleet(t, "least-loaded")
	registerUserPair(t, f, 50)

	for i := 0; i < 4; i++ {
		outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindAuthenticate})
		require.NoError(t, err)
		require.Equal(t, types.OutcomeCompleted, outcome.Code)
	}
	f.InjectFault("user-2")
	outcome, err := f.Route(&types.ServiceRequest{Kind: types.KindAuthenticate})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeCompleted, outcome.Code)

	snap := f.Snapshot()
	assert.Equal(t, int64(5), snap.Routed)
	assert.Equal(t, int64(5), snap.Completed)
	assert.Equal(t, float64(100), snap.SuccessRate)
	assert.Len(t, snap.Nodes, 2)

	stat := snap.Services[types.ServiceUser]
	assert.Equal(t, 2, stat.Nodes)
	assert.Equal(t, 1, stat.HealthyNodes)
	assert.Equal(t, int64(5), stat.Routed)
}
