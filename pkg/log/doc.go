/*
Package log provides structured logging for Flotilla built on zerolog.

Call Init once at startup, then use the package helpers or derive child
loggers with WithComponent, WithNodeID, WithRequestID and WithRegion so that
every line carries the fields needed to follow a request through the router,
a node through its health transitions, or a region through address allocation.

Console output is human-readable by default; set JSONOutput for machine
consumption.
*/
package log
