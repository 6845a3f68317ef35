/*
Package netaddr implements the hierarchical address allocator for the fleet.

Each region declares a wide block (a /16 in the default plan) and every
(region, service type) pair derives exactly one /24 from it. Within a subnet
the network address, the .1 gateway and the broadcast address are reserved,
leaving 253 usable hosts handed out in ascending order starting at .2. Host
numbers are never reused, so an address observed once always refers to the
same node generation.

Alongside addresses the allocator maintains the DNS table. Hostnames are
derived deterministically from (service type, instance ordinal, region), as in

	user-service-1.region-central.flotilla.local

and the mapping is a bijection: resolving a name returns exactly the address
allocated with it, and no two names share an address. A fleet-wide set of
every allocated IP backs the injectivity guarantee.

The allocator also carries the static NAT table and the firewall, whose rules
are evaluated in insertion order with first match winning. The default policy
when no rule matches is configurable, allow by default.

All state lives behind one allocator-wide lock. An allocation either fully
succeeds, committing the address and the DNS record together, or fully fails
with no state change.
*/
package netaddr
