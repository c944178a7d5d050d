package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// confirmFunc publishes one message and reports whether the broker accepted
// it. When the channel is not in confirm mode acceptance is assumed.
type confirmFunc func(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) (bool, error)

// Client manages the RabbitMQ connection and channel
type Client struct {
	cfg    Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.RWMutex // Protects access to conn, ch, and isReady
	closed bool         // Indicates if the client was explicitly closed

	// Channels for notifying when the connection/channel drops
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error

	// isReady is true only when both Connection and Channel are established
	isReady bool

	// confirm is the publish path. Set once at construction; swapped only in
	// tests.
	confirm confirmFunc

	// bp tracks consecutive broker rejections for the publish path.
	bp backpressure
}

// NewClient creates a new Client.
// It attempts to connect immediately. If the initial connection fails, it returns an error (Fail Fast).
// If successful, it launches a background goroutine to handle future reconnections indefinitely.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}

	client := &Client{
		cfg: cfg,
	}
	client.confirm = client.publishConfirm

	// Attempt initial connection synchronously.
	// If this fails, the app should probably exit (fail fast).
	if err := client.connect(); err != nil {
		return nil, err
	}

	// Start the reconnection manager
	go client.handleReconnection()

	return client, nil
}

// Close shuts down the connection cleanly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// handleReconnection monitors the connection state and attempts to reconnect when lost.
// It retries until successful, the client is closed, or MaxRetries consecutive
// attempts have failed.
func (c *Client) handleReconnection() {
	for {
		if c.isClosed() {
			return
		}

		// connected - wait for a close signal
		select {
		case err := <-c.notifyConnClose:
			logrus.Printf("RabbitMQ: Connection lost: %v", err)
		case err := <-c.notifyChanClose:
			logrus.Printf("RabbitMQ: Channel lost: %v", err)
		}

		// Connection is down. Mark as not ready
		c.setReady(false)

		attempts := 0
		for {
			if c.isClosed() {
				return
			}

			logrus.Printf("RabbitMQ: Attempting to reconnect...")

			if err := c.connect(); err != nil {
				attempts++
				if c.cfg.MaxRetries > 0 && attempts >= c.cfg.MaxRetries {
					logrus.Errorf("RabbitMQ: Giving up after %d reconnection attempts: %v", attempts, err)
					c.Close()
					return
				}
				logrus.Printf("RabbitMQ: Reconnection failed: %v. Retrying in %v...", err, c.cfg.ReconnectDelay)
				time.Sleep(c.cfg.ReconnectDelay)
				continue
			}

			// Reconnected successfully!
			// Break the inner loop to go back to waiting for close signals.
			logrus.Println("RabbitMQ: Reconnected!")
			break
		}
	}
}

func (c *Client) connect() error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Properties: amqp.Table{"connection_name": c.cfg.AppName},
	})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if c.cfg.Confirms {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			conn.Close()
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.ch = ch
	c.notifyChanClose = make(chan *amqp.Error)
	c.notifyConnClose = make(chan *amqp.Error)
	c.ch.NotifyClose(c.notifyChanClose)
	c.conn.NotifyClose(c.notifyConnClose)
	c.isReady = true
	return nil
}

func (c *Client) setReady(ready bool) {
	c.mu.Lock()
	c.isReady = ready
	c.mu.Unlock()
}

// publishConfirm is the amqp-backed confirmFunc. With Confirms enabled it
// blocks until the broker acks or nacks the publish; a nack means the queue
// refused the message (typically max-length with overflow=reject-publish).
func (c *Client) publishConfirm(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) (bool, error) {
	c.mu.RLock()
	ready := c.isReady
	channel := c.ch
	c.mu.RUnlock()

	if !ready {
		return false, ErrNotConnected
	}

	if !c.cfg.Confirms {
		return true, channel.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	}

	confirmation, err := channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
	if err != nil {
		return false, err
	}
	return confirmation.WaitContext(ctx)
}
