// Package events implements the topic-based event bus used for
// cross-service notifications: a publisher that stamps envelopes with
// routing headers, and a consumer with bounded retry and dead-lettering.
// Retry state travels on the message itself, so the consumer owns
// retries and the producer never sees them.
package events
