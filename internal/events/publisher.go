package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const defaultPublishTimeout = 5 * time.Second

// TransactionIngested is published after a mail-derived transaction is
// stored for the first time.
type TransactionIngested struct {
	TransactionID     uuid.UUID `json:"transactionId"`
	OwnerID           uuid.UUID `json:"ownerId"`
	ProviderMessageID string    `json:"providerMessageId"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	Merchant          string    `json:"merchant"`
	Category          string    `json:"category"`
	Date              time.Time `json:"date"`
	IngestedAt        time.Time `json:"ingestedAt"`
}

// NewTransactionIngested builds the event payload for a stored transaction.
func NewTransactionIngested(tx *domain.Transaction) *TransactionIngested {
	ev := &TransactionIngested{
		TransactionID: tx.ID,
		OwnerID:       tx.OwnerID,
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		Merchant:      tx.Merchant,
		Category:      tx.Category,
		Date:          tx.Date,
		IngestedAt:    time.Now().UTC(),
	}
	if tx.ProviderMessageID != nil {
		ev.ProviderMessageID = *tx.ProviderMessageID
	}
	return ev
}

// Publisher announces stored transactions.
type Publisher interface {
	PublishTransactionIngested(ctx context.Context, ev *TransactionIngested) error
}

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes JSON events to the transactions exchange.
type AMQPPublisher struct {
	channel func() channelPublisher
	log     zerolog.Logger
}

// NewAMQPPublisher publishes on the client's current channel.
func NewAMQPPublisher(client *Client, log zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		channel: func() channelPublisher { return client.Channel() },
		log:     log,
	}
}

// PublishTransactionIngested implements Publisher.
func (p *AMQPPublisher) PublishTransactionIngested(ctx context.Context, ev *TransactionIngested) error {
	return p.Publish(ctx, TransactionsExchange, RoutingKeyTransactionIngested, ev)
}

// Publish marshals message to JSON and publishes it persistently.
func (p *AMQPPublisher) Publish(ctx context.Context, exchange, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("Publish: marshal message: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}

	err = p.channel().PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("Publish: exchange %q routing key %q: %w", exchange, routingKey, err)
	}

	p.log.Debug().
		Str("exchange", exchange).
		Str("routingKey", routingKey).
		Msg("Message published")
	return nil
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

// PublishTransactionIngested implements Publisher.
func (NopPublisher) PublishTransactionIngested(context.Context, *TransactionIngested) error {
	return nil
}
