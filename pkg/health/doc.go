/*
Package health implements the node health state machine.

Healthy -> Failed on fault injection, Failed -> Healthy on recovery, both
immediate and idempotent. The controller is the single eligibility authority
consulted by the router before any placement decision.
*/
package health
