package health

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-dev/flotilla/pkg/node"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

func trackedNode(t *testing.T, c *Controller, id string) *node.Node {
	t.Helper()
	n, err := node.New(id, types.ServiceUser, "region-central", types.Capacity{MaxRequests: 10})
	require.NoError(t, err)
	c.Track(n)
	return n
}

func TestFaultAndRecovery(t *testing.T) {
	c := NewController()
	n := trackedNode(t, c, "user-1")

	assert.True(t, c.IsEligible(n))

	c.InjectFault("user-1")
	status, ok := c.Status("user-1")
	require.True(t, ok)
	assert.Equal(t, types.NodeFailed, status)
	assert.False(t, c.IsEligible(n))

	c.SignalRecovery("user-1")
	status, _ = c.Status("user-1")
	assert.Equal(t, types.NodeHealthy, status)
	assert.True(t, c.IsEligible(n))
}

func TestIdempotentTransitions(t *testing.T) {
	c := NewController()
	n := trackedNode(t, c, "user-1")

	var transitions []Transition
	c.OnTransition(func(tr Transition) {
		transitions = append(transitions, tr)
	})

	// Recovery of a healthy node does nothing
	c.SignalRecovery("user-1")
	assert.Empty(t, transitions)

	c.InjectFault("user-1")
	c.InjectFault("user-1")
	c.SignalRecovery("user-1")
	c.SignalRecovery("user-1")

	// Only the two real transitions fired
	require.Len(t, transitions, 2)
	assert.Equal(t, types.NodeFailed, transitions[0].To)
	assert.Equal(t, types.NodeHealthy, transitions[1].To)
	assert.True(t, c.IsEligible(n))
}

func TestUnknownNodeIsNoop(t *testing.T) {
	c := NewController()

	c.InjectFault("ghost")
	c.SignalRecovery("ghost")

	_, ok := c.Status("ghost")
	assert.False(t, ok)
}

func TestFaultForceResolvesInflight(t *testing.T) {
	c := NewController()
	n := trackedNode(t, c, "user-1")
	require.NoError(t, n.Admit("r1", 1))
	require.NoError(t, n.Admit("r2", 1))

	var got Transition
	c.OnTransition(func(tr Transition) { got = tr })

	c.InjectFault("user-1")

	assert.Equal(t, 2, got.AbortedRequests)
	assert.Zero(t, n.ActiveRequests(), "in-flight work is never left pending")
}

// TestConcurrentFaultInjection races fault injections and recoveries against
// each other and checks that each round produces exactly one failure
// transition and one recovery transition, however the calls interleave.
func TestConcurrentFaultInjection(t *testing.T) {
	c := NewController()
	n := trackedNode(t, c, "user-1")

	var mu sync.Mutex
	failed, recovered := 0, 0
	c.OnTransition(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		switch tr.To {
		case types.NodeFailed:
			failed++
		case types.NodeHealthy:
			recovered++
		}
	})

	const rounds = 50
	for i := 0; i < rounds; i++ {
		var wg sync.WaitGroup
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.InjectFault("user-1")
			}()
		}
		wg.Wait()

		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.SignalRecovery("user-1")
			}()
		}
		wg.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, rounds, failed)
	assert.Equal(t, rounds, recovered)
	assert.True(t, c.IsEligible(n))
}

func TestForget(t *testing.T) {
	c := NewController()
	trackedNode(t, c, "user-1")

	c.Forget("user-1")
	_, ok := c.Status("user-1")
	assert.False(t, ok)

	// Fault on a forgotten node is a no-op rather than a panic
	c.InjectFault("user-1")
}
