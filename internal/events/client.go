package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var errClientClosed = errors.New("amqp client closed")

// connection is the part of *amqp.Connection the client uses.
type connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialFunc func(url string) (connection, error)

func dialAMQP(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// reconnectBackOff retries forever, capped at 30s between attempts.
func reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Client manages the RabbitMQ connection and channel. When the broker drops
// the connection it redials with exponential backoff until Close is called.
type Client struct {
	conn    connection
	channel *amqp.Channel
	mu      sync.RWMutex
	closed  bool
	url     string

	dial    dialFunc
	backoff func() backoff.BackOff
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewClient dials url and opens a channel.
func NewClient(url string, log zerolog.Logger) (*Client, error) {
	return newClient(url, dialAMQP, reconnectBackOff, log)
}

func newClient(url string, dial dialFunc, policy func() backoff.BackOff, log zerolog.Logger) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		url:     url,
		dial:    dial,
		backoff: policy,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With().Str("component", "amqp").Logger(),
	}

	if err := client.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("NewClient: %w", err)
	}

	return client, nil
}

func (c *Client) connect() error {
	conn, err := c.dial(c.url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errClientClosed
	}
	c.conn = conn
	c.channel = ch
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.handleConnectionClose(closes)
	}()

	c.log.Info().Msg("AMQP client connected")
	return nil
}

func (c *Client) handleConnectionClose(closes chan *amqp.Error) {
	amqpErr := <-closes

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	if amqpErr != nil {
		c.log.Error().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("AMQP connection lost; reconnecting")
	} else {
		c.log.Error().Msg("AMQP connection closed; reconnecting")
	}
	c.reconnect()
}

func (c *Client) reconnect() {
	err := backoff.RetryNotify(
		func() error {
			err := c.connect()
			if errors.Is(err, errClientClosed) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(c.backoff(), c.ctx),
		func(err error, wait time.Duration) {
			c.log.Warn().Err(err).Dur("retryIn", wait).Msg("AMQP reconnect failed")
		},
	)
	if err != nil && !errors.Is(err, errClientClosed) && !errors.Is(err, context.Canceled) {
		c.log.Error().Err(err).Msg("AMQP reconnect abandoned")
	}
}

// Channel returns the current channel.
func (c *Client) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Close closes the channel and connection and stops any reconnect loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()

	var errs []error

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	c.mu.Unlock()

	c.wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("Client.Close: %v", errs)
	}

	c.log.Info().Msg("AMQP client closed")
	return nil
}
