// Package router implements the admission and routing algorithm: eligibility
// filtering, strategy placement, capacity admission, simulated processing.
package router
