// Package service implements the Sblock side of the messaging layer: a
// request consumer that binds a durable queue to the request exchange,
// deduplicates redeliveries, dispatches to registered handlers and always
// answers with exactly one response envelope.
package service
