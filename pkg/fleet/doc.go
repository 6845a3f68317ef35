/*
Package fleet is the registry and facade of the microservice-fleet model.

A Fleet owns the node collection grouped by service type and region, wires the
address allocator, health controller, balancer and router together, and
exposes the operations external callers use: Register/Deregister,
InjectFault/SignalRecovery, Route, Snapshot, and the address API through
Allocator.

The fleet is an in-memory logical model. It reproduces placement, failover
and addressing behavior deterministically under concurrent use, without any
real network I/O.
*/
package fleet
