// Package metrics exposes Prometheus metrics for the fleet. Counters are
// updated synchronously with routing decisions so scrapes are never stale
// relative to completed operations.
package metrics
