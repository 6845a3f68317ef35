package netaddr

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/pkg/log"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

var (
	// ErrRegionNotFound is returned when a region's block was never declared
	ErrRegionNotFound = errors.New("region not found")

	// ErrAddressSpaceExhausted is returned when a subnet has no usable hosts left
	ErrAddressSpaceExhausted = errors.New("address space exhausted")

	// ErrDNSResolutionFailed is returned for lookups of unknown hostnames
	ErrDNSResolutionFailed = errors.New("dns resolution failed")

	// ErrDNSNameTaken is returned when a derived hostname is already bound
	ErrDNSNameTaken = errors.New("dns name already registered")

	// ErrInvalidCIDR is returned for malformed CIDR notation
	ErrInvalidCIDR = errors.New("invalid CIDR block")
)

// subnetPrefix is the prefix length of per-service subnets carved from a
// region block. A /24 leaves 253 usable hosts once the network address, the
// .1 gateway and the broadcast address are reserved.
const subnetPrefix = 24

// firstHostOrdinal is the first host number handed out. .1 is the gateway.
const firstHostOrdinal = 2

// MaxHostsPerSubnet is the number of allocatable hosts in one /24
const MaxHostsPerSubnet = 253

// Subnet is one (region, service type) /24 carved from the region's block.
// Host addresses are handed out in ascending order and never reused.
type Subnet struct {
	Region      string
	ServiceType types.ServiceType
	Network     *net.IPNet
	Gateway     net.IP
	Broadcast   net.IP

	nextHost    int
	allocations map[string]string // node id -> IP
}

// CIDR returns the subnet block in CIDR notation
func (s *Subnet) CIDR() string {
	return s.Network.String()
}

// allocatedLocked and remainingLocked require the allocator lock; callers
// outside the allocator read usage through SubnetUsage or Describe.
func (s *Subnet) allocatedLocked() int {
	return len(s.allocations)
}

func (s *Subnet) remainingLocked() int {
	return MaxHostsPerSubnet - (s.nextHost - firstHostOrdinal)
}

type subnetKey struct {
	region  string
	service types.ServiceType
}

// Allocator owns the two-level CIDR hierarchy and the DNS table. A single
// lock guards all state so an allocation is never partially observable:
// either both the address and its DNS record are committed, or neither is.
type Allocator struct {
	mu sync.Mutex

	baseDomain string
	regions    map[string]*net.IPNet
	subnets    map[subnetKey]*Subnet

	// serviceSlot fixes the /24 index of each service type within every
	// region so derivation stays deterministic for types added at runtime.
	serviceSlot map[types.ServiceType]int

	allocated mapset.Set[string]       // every IP handed out, fleet-wide
	dns       map[string]string        // hostname -> IP
	byNode    map[string]types.Address // node id -> full address

	nat      map[string]natTarget
	firewall firewallTable

	logger zerolog.Logger
}

// Config controls allocator construction
type Config struct {
	// BaseDomain is the DNS suffix for generated hostnames,
	// e.g. "flotilla.local"
	BaseDomain string

	// FirewallDefault is applied when no firewall rule matches.
	// Defaults to allow.
	FirewallDefault Action
}

// New creates an empty allocator. Regions are declared with AddRegion.
func New(cfg Config) *Allocator {
	if cfg.BaseDomain == "" {
		cfg.BaseDomain = "flotilla.local"
	}
	if cfg.FirewallDefault == "" {
		cfg.FirewallDefault = ActionAllow
	}

	slots := make(map[types.ServiceType]int, len(types.AllServiceTypes))
	for i, svc := range types.AllServiceTypes {
		slots[svc] = i
	}

	return &Allocator{
		baseDomain:  cfg.BaseDomain,
		regions:     make(map[string]*net.IPNet),
		subnets:     make(map[subnetKey]*Subnet),
		serviceSlot: slots,
		allocated:   mapset.NewThreadUnsafeSet[string](),
		dns:         make(map[string]string),
		byNode:      make(map[string]types.Address),
		nat:         make(map[string]natTarget),
		firewall:    firewallTable{defaultAction: cfg.FirewallDefault},
		logger:      log.WithComponent("netaddr"),
	}
}

// AddRegion declares a region and its block. The block must be wide enough
// to carve /24 subnets from, a /16 in the default plan.
func (a *Allocator) AddRegion(name, block string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, network, err := net.ParseCIDR(block)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCIDR, block)
	}
	if ones, _ := network.Mask.Size(); ones >= subnetPrefix {
		return fmt.Errorf("%w: %q leaves no room for /%d subnets", ErrInvalidCIDR, block, subnetPrefix)
	}

	if existing, ok := a.regions[name]; ok {
		if existing.String() != network.String() {
			return fmt.Errorf("region %s already declared as %s", name, existing)
		}
		return nil
	}

	a.regions[name] = network
	a.logger.Info().Str("region", name).Str("cidr", network.String()).Msg("region declared")
	return nil
}

// Regions returns the declared region names in sorted order
func (a *Allocator) Regions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.regions))
	for name := range a.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllocateSubnet derives the /24 for a (region, service type) pair. It is
// idempotent: the same pair always maps to the same subnet.
func (a *Allocator) AllocateSubnet(region string, svc types.ServiceType) (*Subnet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateSubnetLocked(region, svc)
}

func (a *Allocator) allocateSubnetLocked(region string, svc types.ServiceType) (*Subnet, error) {
	key := subnetKey{region: region, service: svc}
	if sub, ok := a.subnets[key]; ok {
		return sub, nil
	}

	block, ok := a.regions[region]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}

	slot, ok := a.serviceSlot[svc]
	if !ok {
		// Service types beyond the built-in set get the next free slot,
		// fixed fleet-wide on first use.
		slot = len(a.serviceSlot)
		a.serviceSlot[svc] = slot
	}

	ones, _ := block.Mask.Size()
	network, err := cidr.Subnet(block, subnetPrefix-ones, slot)
	if err != nil {
		return nil, fmt.Errorf("deriving subnet for %s/%s: %w", region, svc, err)
	}

	gateway, err := cidr.Host(network, 1)
	if err != nil {
		return nil, fmt.Errorf("deriving gateway for %s: %w", network, err)
	}
	_, broadcast := cidr.AddressRange(network)

	sub := &Subnet{
		Region:      region,
		ServiceType: svc,
		Network:     network,
		Gateway:     gateway,
		Broadcast:   broadcast,
		nextHost:    firstHostOrdinal,
		allocations: make(map[string]string),
	}
	a.subnets[key] = sub

	a.logger.Info().
		Str("region", region).
		Str("service", string(svc)).
		Str("cidr", network.String()).
		Msg("subnet allocated")
	return sub, nil
}

// AllocateNodeAddress assigns the next unused host address in the subnet and
// binds the node's hostname to it. The hostname is derived from the service
// type, the instance ordinal and the region. On any failure no state changes.
func (a *Allocator) AllocateNodeAddress(sub *Subnet, nodeID string, ordinal int, port int) (types.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr, ok := a.byNode[nodeID]; ok {
		return addr, nil
	}
	if sub.nextHost >= firstHostOrdinal+MaxHostsPerSubnet {
		return types.Address{}, fmt.Errorf("%w: %s has no free hosts", ErrAddressSpaceExhausted, sub.CIDR())
	}

	hostname := a.hostname(sub.ServiceType, ordinal, sub.Region)
	if _, taken := a.dns[hostname]; taken {
		return types.Address{}, fmt.Errorf("%w: %s", ErrDNSNameTaken, hostname)
	}

	ip, err := cidr.Host(sub.Network, sub.nextHost)
	if err != nil {
		return types.Address{}, fmt.Errorf("deriving host %d in %s: %w", sub.nextHost, sub.CIDR(), err)
	}
	ipStr := ip.String()
	if a.allocated.Contains(ipStr) {
		// Host counters are per-subnet and subnets never overlap, so a
		// collision here means corrupted state.
		return types.Address{}, fmt.Errorf("address %s already allocated", ipStr)
	}

	// Commit point: all checks passed, record everything together.
	sub.nextHost++
	sub.allocations[nodeID] = ipStr
	a.allocated.Add(ipStr)
	a.dns[hostname] = ipStr

	addr := types.Address{IP: ipStr, DNSName: hostname, Port: port}
	a.byNode[nodeID] = addr

	a.logger.Info().
		Str("node_id", nodeID).
		Str("ip", ipStr).
		Str("dns", hostname).
		Msg("address allocated")
	return addr, nil
}

// ReleaseNodeAddress unbinds a deregistered node's address and hostname.
// Host numbers are not reused; allocation within a subnet stays monotonic.
func (a *Allocator) ReleaseNodeAddress(nodeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr, ok := a.byNode[nodeID]
	if !ok {
		return
	}
	delete(a.byNode, nodeID)
	delete(a.dns, addr.DNSName)
	a.allocated.Remove(addr.IP)
	for _, sub := range a.subnets {
		delete(sub.allocations, nodeID)
	}
}

// ResolveDNS looks up a hostname. The mapping is a bijection: the result is
// exactly the address allocated to the node the name was derived for.
func (a *Allocator) ResolveDNS(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ip, ok := a.dns[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDNSResolutionFailed, name)
	}
	return ip, nil
}

// SubnetUsage reports how many host addresses a (region, service type) subnet
// has handed out and how many remain. The second return is false when the
// subnet was never allocated.
func (a *Allocator) SubnetUsage(region string, svc types.ServiceType) (allocated, remaining int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.subnets[subnetKey{region: region, service: svc}]
	if !ok {
		return 0, 0, false
	}
	return sub.allocatedLocked(), sub.remainingLocked(), true
}

// NodeAddress returns the address bound to a node, if any
func (a *Allocator) NodeAddress(nodeID string) (types.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr, ok := a.byNode[nodeID]
	return addr, ok
}

func (a *Allocator) hostname(svc types.ServiceType, ordinal int, region string) string {
	return fmt.Sprintf("%s-%d.%s.%s", svc, ordinal, region, a.baseDomain)
}

// SubnetInfo is a read-only view of one subnet for topology reporting
type SubnetInfo struct {
	Region      string
	ServiceType types.ServiceType
	CIDR        string
	Gateway     string
	Allocated   int
	Remaining   int
}

// Topology returns a read-only description of the current address plan
type Topology struct {
	Regions map[string]string // region name -> CIDR
	Subnets []SubnetInfo
	DNS     map[string]string // hostname -> IP
}

// Describe snapshots the address plan for display
func (a *Allocator) Describe() Topology {
	a.mu.Lock()
	defer a.mu.Unlock()

	topo := Topology{
		Regions: make(map[string]string, len(a.regions)),
		DNS:     make(map[string]string, len(a.dns)),
	}
	for name, block := range a.regions {
		topo.Regions[name] = block.String()
	}
	for _, sub := range a.subnets {
		topo.Subnets = append(topo.Subnets, SubnetInfo{
			Region:      sub.Region,
			ServiceType: sub.ServiceType,
			CIDR:        sub.CIDR(),
			Gateway:     sub.Gateway.String(),
			Allocated:   sub.allocatedLocked(),
			Remaining:   sub.remainingLocked(),
		})
	}
	sort.Slice(topo.Subnets, func(i, j int) bool {
		if topo.Subnets[i].Region != topo.Subnets[j].Region {
			return topo.Subnets[i].Region < topo.Subnets[j].Region
		}
		return topo.Subnets[i].ServiceType < topo.Subnets[j].ServiceType
	})
	for name, ip := range a.dns {
		topo.DNS[name] = ip
	}
	return topo
}
