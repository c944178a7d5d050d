package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publish marshals payload as JSON and publishes it once. With Confirms
// enabled it returns an error when the broker refuses the message; callers
// that want automatic retry should use PublishWithRetry.
func (c *Client) Publish(ctx context.Context, payload any, exchange, routingKey string, mandatory bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	acked, err := c.confirm(ctx, exchange, routingKey, mandatory, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("rabbitmq: publish to %q/%q rejected by broker", exchange, routingKey)
	}
	return nil
}

// PublishWithRetry publishes body with confirmation and keeps retrying while
// the broker refuses it. A refusal (nack) means the destination queue is at
// capacity with overflow=reject-publish; the message is never dropped.
// Retries back off exponentially from config.RetryStart up to config.RetryCap
// and continue until the publish is accepted or ctx is cancelled. The payload
// bytes are reused unmodified across attempts.
//
// Sustained refusals past config.AlertThreshold are logged as a backpressure
// signal: the consumers are not keeping up and an operator should intervene.
func (c *Client) PublishWithRetry(ctx context.Context, config Publisher, body []byte) error {
	config.applyDefaults()

	msg := amqp.Publishing{
		ContentType:  config.ContentType,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.RetryStart
	bo.MaxInterval = config.RetryCap
	bo.MaxElapsedTime = 0 // retry until accepted or cancelled

	for {
		acked, err := c.confirm(ctx, config.Exchange, config.RoutingKey, config.Mandatory, msg)
		if err == nil && acked {
			c.bp.accepted()
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			logrus.Warnf("RabbitMQ: Publish to %q/%q failed: %v", config.Exchange, config.RoutingKey, err)
		} else {
			rejected := c.bp.rejected()
			if rejected >= config.AlertThreshold {
				logrus.Errorf("RabbitMQ: %d consecutive publish rejections on %q/%q, consumers cannot keep up", rejected, config.Exchange, config.RoutingKey)
			} else {
				logrus.Warnf("RabbitMQ: Publish to %q/%q rejected by broker, backing off", config.Exchange, config.RoutingKey)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}
