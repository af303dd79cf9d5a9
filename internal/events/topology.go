package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	TransactionsExchange = "transactions"

	TransactionsQueue = "transactions.ingested"

	RoutingKeyTransactionIngested = "transaction.ingested"
)

type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// TopologyManager declares the exchange, queue and binding used for
// transaction events.
type TopologyManager struct {
	channel func() topologyChannel
	log     zerolog.Logger
}

// NewTopologyManager creates a manager on the client's channel.
func NewTopologyManager(client *Client, log zerolog.Logger) *TopologyManager {
	return &TopologyManager{
		channel: func() topologyChannel { return client.Channel() },
		log:     log,
	}
}

// Setup is idempotent; redeclaring with the same arguments is a no-op on the broker.
func (t *TopologyManager) Setup() error {
	ch := t.channel()

	if err := ch.ExchangeDeclare(
		TransactionsExchange,
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("TopologyManager.Setup: declare exchange %q: %w", TransactionsExchange, err)
	}

	if _, err := ch.QueueDeclare(
		TransactionsQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("TopologyManager.Setup: declare queue %q: %w", TransactionsQueue, err)
	}

	if err := ch.QueueBind(TransactionsQueue, RoutingKeyTransactionIngested, TransactionsExchange, false, nil); err != nil {
		return fmt.Errorf("TopologyManager.Setup: bind %q to %q with %q: %w",
			TransactionsQueue, TransactionsExchange, RoutingKeyTransactionIngested, err)
	}

	t.log.Info().
		Str("exchange", TransactionsExchange).
		Str("queue", TransactionsQueue).
		Str("routingKey", RoutingKeyTransactionIngested).
		Msg("AMQP topology ready")
	return nil
}
