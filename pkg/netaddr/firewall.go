package netaddr

import (
	"errors"
	"fmt"
	"net"
)

// ErrFirewallDenied is returned by CheckFirewall when a connection is
// blocked, either by a matching deny rule or by the default policy
var ErrFirewallDenied = errors.New("firewall denied")

// Action is a firewall rule verdict
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule matches connections by source block, destination block, port and
// protocol. A zero port matches any port; an empty or "all" protocol matches
// any protocol.
type Rule struct {
	SourceCIDR string
	DestCIDR   string
	Port       int
	Protocol   string
	Action     Action
}

// firewallTable evaluates rules in insertion order; the first matching rule
// wins and the default action applies when nothing matches.
type firewallTable struct {
	rules         []compiledRule
	defaultAction Action
}

type compiledRule struct {
	Rule
	source *net.IPNet
	dest   *net.IPNet
}

// AddFirewallRule appends a rule to the table. Blocks are given in CIDR
// notation; a bare IP is treated as a /32.
func (a *Allocator) AddFirewallRule(sourceCIDR, destCIDR string, port int, protocol string, action Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	src, err := parseBlock(sourceCIDR)
	if err != nil {
		return fmt.Errorf("firewall source: %w", err)
	}
	dst, err := parseBlock(destCIDR)
	if err != nil {
		return fmt.Errorf("firewall destination: %w", err)
	}
	if action != ActionAllow && action != ActionDeny {
		return fmt.Errorf("unknown firewall action %q", action)
	}

	a.firewall.rules = append(a.firewall.rules, compiledRule{
		Rule: Rule{
			SourceCIDR: sourceCIDR,
			DestCIDR:   destCIDR,
			Port:       port,
			Protocol:   protocol,
			Action:     action,
		},
		source: src,
		dest:   dst,
	})

	a.logger.Info().
		Str("source", sourceCIDR).
		Str("dest", destCIDR).
		Int("port", port).
		Str("action", string(action)).
		Msg("firewall rule added")
	return nil
}

// CheckFirewall reports whether a connection is permitted: nil when allowed,
// an ErrFirewallDenied-wrapped error when blocked. Rules are evaluated in
// insertion order, first match wins.
func (a *Allocator) CheckFirewall(sourceIP, destIP string, port int, protocol string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	src := net.ParseIP(sourceIP)
	dst := net.ParseIP(destIP)

	for _, rule := range a.firewall.rules {
		if rule.matches(src, dst, port, protocol) {
			if rule.Action == ActionAllow {
				return nil
			}
			return fmt.Errorf("%w: %s -> %s:%d matched %s -> %s",
				ErrFirewallDenied, sourceIP, destIP, port, rule.SourceCIDR, rule.DestCIDR)
		}
	}
	if a.firewall.defaultAction == ActionAllow {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s:%d by default policy", ErrFirewallDenied, sourceIP, destIP, port)
}

// FirewallRules returns the configured rules in evaluation order
func (a *Allocator) FirewallRules() []Rule {
	a.mu.Lock()
	defer a.mu.Unlock()

	rules := make([]Rule, len(a.firewall.rules))
	for i, r := range a.firewall.rules {
		rules[i] = r.Rule
	}
	return rules
}

func (r *compiledRule) matches(src, dst net.IP, port int, protocol string) bool {
	if src == nil || !r.source.Contains(src) {
		return false
	}
	if dst == nil || !r.dest.Contains(dst) {
		return false
	}
	if r.Port != 0 && r.Port != port {
		return false
	}
	if r.Protocol != "" && r.Protocol != "all" && r.Protocol != protocol {
		return false
	}
	return true
}

func parseBlock(block string) (*net.IPNet, error) {
	if ip := net.ParseIP(block); ip != nil {
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}, nil
	}
	_, network, err := net.ParseCIDR(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCIDR, block)
	}
	return network, nil
}
