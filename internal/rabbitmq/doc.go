// Package rabbitmq wraps the AMQP client with connection management,
// channel pooling, confirmed publishing and the fleet messaging topology.
// Higher layers (gateway, service, events) never touch a raw connection.
package rabbitmq
