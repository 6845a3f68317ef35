package balancer

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/flotilla-dev/flotilla/pkg/node"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

// ErrNoCandidates is returned when the eligible candidate set is empty. The
// router surfaces it as a ServiceUnavailable outcome.
var ErrNoCandidates = errors.New("no eligible candidates")

// Hint carries per-request context into a placement decision
type Hint struct {
	ServiceType types.ServiceType
	Region      string // Preferred region; empty means no preference
}

// Strategy selects exactly one node from an eligible candidate set. The
// candidates arrive in registration order, already filtered to healthy nodes.
// A strategy is chosen once at configuration time and must be safe for
// concurrent use.
type Strategy interface {
	Name() string
	Select(candidates []*node.Node, hint Hint) (*node.Node, error)
}

// Strategy names accepted by FromConfig
const (
	NameRoundRobin  = "round-robin"
	NameLeastLoaded = "least-loaded"
	NameRandom      = "random"
	NameRegionAware = "region-aware"
)

// FromConfig builds the strategy named in configuration. The region-aware
// strategy wraps round-robin; compose explicitly for other inner strategies.
// Random uses the given seed so runs are reproducible.
func FromConfig(name string, seed int64) (Strategy, error) {
	switch name {
	case NameRoundRobin, "":
		return NewRoundRobin(), nil
	case NameLeastLoaded:
		return NewLeastLoaded(), nil
	case NameRandom:
		return NewRandom(seed), nil
	case NameRegionAware:
		return NewRegionAware(NewRoundRobin()), nil
	default:
		return nil, fmt.Errorf("unknown balancing strategy %q", name)
	}
}

// RoundRobin cycles through nodes in registration order, one per-service
// cursor. Ineligible nodes are skipped without consuming a turn: the cursor
// tracks registration ordinals, so a node that was unhealthy on its turn is
// simply passed over and the next eligible node is charged instead.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[types.ServiceType]int // next registration ordinal to serve
}

// NewRoundRobin creates a round-robin strategy with fresh cursors
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[types.ServiceType]int)}
}

func (r *RoundRobin) Name() string { return NameRoundRobin }

// Select picks the eligible candidate with the smallest registration ordinal
// at or after the cursor, wrapping to the start of the list at the end.
func (r *RoundRobin) Select(candidates []*node.Node, hint Hint) (*node.Node, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cursor := r.cursors[hint.ServiceType]

	var picked *node.Node
	for _, n := range candidates {
		if n.Ordinal >= cursor {
			picked = n
			break
		}
	}
	if picked == nil {
		// Wrapped: candidates are in registration order, take the first.
		picked = candidates[0]
	}

	r.cursors[hint.ServiceType] = picked.Ordinal + 1
	return picked, nil
}

// LeastLoaded selects the candidate with the lowest load-to-capacity ratio.
// Ties resolve to the lexicographically smallest node id so placement is
// reproducible.
type LeastLoaded struct{}

// NewLeastLoaded creates a least-loaded strategy
func NewLeastLoaded() *LeastLoaded { return &LeastLoaded{} }

func (l *LeastLoaded) Name() string { return NameLeastLoaded }

func (l *LeastLoaded) Select(candidates []*node.Node, hint Hint) (*node.Node, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	best := candidates[0]
	bestRatio := best.LoadRatio()
	for _, n := range candidates[1:] {
		ratio := n.LoadRatio()
		if ratio < bestRatio || (ratio == bestRatio && n.ID < best.ID) {
			best = n
			bestRatio = ratio
		}
	}
	return best, nil
}

// Random selects uniformly among the candidates using an explicitly seeded
// generator. An unseeded global source would make runs irreproducible.
type Random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom creates a random strategy seeded for reproducibility
func NewRandom(seed int64) *Random {
	return &Random{rnd: rand.New(rand.NewSource(seed))}
}

func (r *Random) Name() string { return NameRandom }

func (r *Random) Select(candidates []*node.Node, hint Hint) (*node.Node, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	r.mu.Lock()
	idx := r.rnd.Intn(len(candidates))
	r.mu.Unlock()
	return candidates[idx], nil
}

// RegionAware restricts candidates to the request's preferred region and
// delegates to an inner strategy within the chosen subset. When the preferred
// region has no eligible node, it falls back to the full fleet-wide set.
type RegionAware struct {
	inner Strategy
}

// NewRegionAware wraps an inner strategy with region preference
func NewRegionAware(inner Strategy) *RegionAware {
	return &RegionAware{inner: inner}
}

func (r *RegionAware) Name() string { return NameRegionAware }

func (r *RegionAware) Select(candidates []*node.Node, hint Hint) (*node.Node, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	if hint.Region != "" {
		local := make([]*node.Node, 0, len(candidates))
		for _, n := range candidates {
			if n.Region == hint.Region {
				local = append(local, n)
			}
		}
		if len(local) > 0 {
			return r.inner.Select(local, hint)
		}
	}
	return r.inner.Select(candidates, hint)
}
