/*
Package types defines the core data structures shared across Flotilla.

This package contains the fundamental types of the fleet model: service and
request enums, node capacity and health, virtual addresses, routing outcomes,
and the read-only snapshot structures consumed by dashboards. All other
packages depend on it and it depends on nothing but the standard library.

The built-in service types (user, project, chat, payment) form a closed set;
new variants are added by declaring further ServiceType constants. Request
kinds carry a deterministic base processing cost so that simulated latency is
reproducible run to run.
*/
package types
