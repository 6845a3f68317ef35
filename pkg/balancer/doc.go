/*
Package balancer provides the placement strategies used by the router.

Four strategies implement the Strategy interface: round-robin over
registration order, least-loaded with deterministic tie-breaking, seeded
random, and region-aware which prefers the request's region before falling
back fleet-wide. The strategy is fixed at configuration time, never
re-interpreted per call.
*/
package balancer
