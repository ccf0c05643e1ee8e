// Package gateway implements the Core side of the messaging layer: the
// static routing table, the correlation registry that joins responses to
// waiting callers, and the request router that turns an HTTP-shaped call
// into a broker round trip.
package gateway
