package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names shared by every fleet component.
const (
	RequestExchange    = "fleet.requests"
	ResponseExchange   = "fleet.responses"
	EventExchange      = "fleet.events"
	DeadLetterExchange = "fleet.dlx"

	ResponseQueue        = "core.responses"
	DeadLetterQueue      = "fleet.dead_letters"
	DeadLetterRoutingKey = "failed"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is the complete set of exchanges, queues and bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares broker topology over pooled channels.
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a topology manager.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// FleetTopology declares the shared exchanges plus a TTL'd dead-letter
// queue. Service request queues and event queues are declared separately
// by the components that own them.
func FleetTopology(deadLetterTTL time.Duration) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: RequestExchange, Type: "direct", Durable: true},
			{Name: ResponseExchange, Type: "direct", Durable: true},
			{Name: EventExchange, Type: "topic", Durable: true},
			{Name: DeadLetterExchange, Type: "direct", Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: ResponseQueue, Durable: true},
			{
				Name:    DeadLetterQueue,
				Durable: true,
				Arguments: amqp.Table{
					"x-message-ttl": deadLetterTTL.Milliseconds(),
				},
			},
		},
		Bindings: []Binding{
			{Queue: ResponseQueue, Exchange: ResponseExchange, RoutingKey: ResponseQueue},
			{Queue: DeadLetterQueue, Exchange: DeadLetterExchange, RoutingKey: DeadLetterRoutingKey},
		},
	}
}

// DeclareTopology declares the complete topology.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
			}
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return fmt.Errorf("failed to bind queue %s to exchange %s: %w",
					binding.Queue, binding.Exchange, err)
			}
		}

		return nil
	})
}

// DeclareServiceQueue declares a durable request queue for one service
// and binds it to the request exchange by its routing key.
func (tm *TopologyManager) DeclareServiceQueue(ctx context.Context, queue, routingKey string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := declareQueue(ch, QueueDeclaration{Name: queue, Durable: true}); err != nil {
			return fmt.Errorf("failed to declare service queue %s: %w", queue, err)
		}
		return bindQueue(ch, Binding{Queue: queue, Exchange: RequestExchange, RoutingKey: routingKey})
	})
}

// DeclareEventQueue declares a durable queue bound to the event exchange
// with the given topic pattern, dead-lettering into the fleet DLX.
func (tm *TopologyManager) DeclareEventQueue(ctx context.Context, queue, pattern string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		decl := QueueDeclaration{
			Name:    queue,
			Durable: true,
			Arguments: amqp.Table{
				"x-dead-letter-exchange":    DeadLetterExchange,
				"x-dead-letter-routing-key": DeadLetterRoutingKey,
			},
		}
		if _, err := declareQueue(ch, decl); err != nil {
			return fmt.Errorf("failed to declare event queue %s: %w", queue, err)
		}
		return bindQueue(ch, Binding{Queue: queue, Exchange: EventExchange, RoutingKey: pattern})
	})
}

// QueueDepth inspects a queue and returns its ready-message count.
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueInspect(name)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
