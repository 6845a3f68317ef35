// Package events fans fleet lifecycle and routing events out to observers
// such as the dashboard and the downstream task-validation consumer.
package events
