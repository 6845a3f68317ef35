/*
Package node models a single service instance and its capacity.

Admission is the unit of mutual exclusion in the fleet: a weighted semaphore
sized to the node's request budget guarantees that concurrent admissions never
jointly exceed capacity, and raw load counters back every invariant. The
cpu/mem percentages are derived display metrics only.

Fault injection force-resolves in-flight work: capacity returns immediately
and the requests are reported as aborted to whoever finishes them later.
*/
package node
