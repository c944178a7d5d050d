package rabbitmq

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type HandlerFunc func(ctx context.Context, body []byte) error

// StartConsumer consumes config.Queue with at most config.MaxWorkers messages
// in flight at once. Each message is processed by handler on a pooled
// goroutine, but every broker call (fetch, ack, reject) is issued from the
// single coordinating goroutine running inside this function: the amqp
// channel is not safe for concurrent protocol calls, and keeping one writer
// also makes the at-most-once ack/reject decision enforceable.
//
// A message whose handler has not returned after config.LongRecordThreshold
// gets a warning log; after config.RejectThreshold it is rejected without
// requeue (dead-lettered) and its task abandoned. Keep RejectThreshold
// strictly below the broker's consumer_timeout so the controlled reject
// always beats the broker's forced disconnect.
//
// StartConsumer blocks until ctx is cancelled.
func (c *Client) StartConsumer(ctx context.Context, config Consumer, handler HandlerFunc) error {
	config.applyDefaults()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.mu.RLock()
		ready := c.isReady
		channel := c.ch
		c.mu.RUnlock()

		if !ready {
			time.Sleep(time.Second)
			continue
		}

		// Prefetch matches the pool, so the broker never pushes more
		// unresolved deliveries than the pool can hold.
		if err := channel.Qos(config.MaxWorkers, 0, false); err != nil {
			logrus.Errorf("RabbitMQ: Failed to set QoS: %v", err)
			time.Sleep(time.Second)
			continue
		}

		msgs, err := channel.Consume(
			config.Queue,
			config.Name,
			false, // AutoAck = false (Manual Ack is safer)
			false, // Exclusive
			false, // NoLocal
			false, // NoWait
			nil,   // Args
		)

		if err != nil {
			logrus.Errorf("RabbitMQ: Consume failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		c.consumeLoop(ctx, msgs, config, handler)
	}
}

// consumeLoop is the coordinator. One pass per cycle: admit new deliveries
// into free slots, harvest finished workers, sweep the slots for stalls.
// Returns when ctx is cancelled or the delivery channel closes (connection
// lost; StartConsumer re-establishes it).
func (c *Client) consumeLoop(ctx context.Context, msgs <-chan amqp.Delivery, config Consumer, handler HandlerFunc) {
	slots := make(map[uint64]*inFlight, config.MaxWorkers)
	completions := make(chan completion, config.MaxWorkers)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.admit(ctx, msgs, slots, completions, config, handler) {
			return
		}
		c.harvest(ctx, slots, completions, config)
		c.sweep(slots, config)
	}
}

// admit fills free worker slots. The first lease attempt blocks up to
// FetchTimeout; further attempts only drain deliveries the broker already
// pushed, so an idle queue costs one bounded wait per cycle, never a spin.
// Returns false when the delivery channel closed or ctx was cancelled.
func (c *Client) admit(ctx context.Context, msgs <-chan amqp.Delivery, slots map[uint64]*inFlight, completions chan completion, config Consumer, handler HandlerFunc) bool {
	blocking := true
	for len(slots) < config.MaxWorkers {
		if blocking {
			blocking = false
			timer := time.NewTimer(config.FetchTimeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case d, ok := <-msgs:
				timer.Stop()
				if !ok {
					return false
				}
				c.dispatch(ctx, d, slots, completions, config, handler)
			case <-timer.C:
				return true
			}
			continue
		}

		select {
		case d, ok := <-msgs:
			if !ok {
				return false
			}
			c.dispatch(ctx, d, slots, completions, config, handler)
		default:
			return true
		}
	}
	return true
}

// dispatch records a slot for the delivery and hands its payload to a worker
// goroutine. The worker only runs the handler and reports back; it never sees
// the channel or the delivery.
func (c *Client) dispatch(ctx context.Context, d amqp.Delivery, slots map[uint64]*inFlight, completions chan completion, config Consumer, handler HandlerFunc) {
	m := newInFlight(d, config)
	slots[d.DeliveryTag] = m
	logrus.Debugf("RabbitMQ: Dispatched record %s (tag %d)", m.recordID, d.DeliveryTag)

	go func() {
		err := runHandler(ctx, config, handler, d.Body)
		select {
		case completions <- completion{msg: m, err: err}:
		case <-ctx.Done():
			// Shutting down; the lease dies with the connection.
		}
	}()
}

// runHandler executes the user handler with in-process retries. Fatal errors
// skip the retries entirely.
func runHandler(ctx context.Context, config Consumer, handler HandlerFunc, body []byte) error {
	return retry.New(
		retry.Attempts(uint(config.RetryMax+1)),
		retry.Delay(config.RetryStart),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !IsFatal(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			logrus.Warnf("RabbitMQ: Retry %d failed: %v", n, err)
		})).Do(func() error {
		return handler(ctx, body)
	})
}

// harvest waits up to HarvestInterval for at least one worker to finish, then
// drains whatever else is already done. First-completed-wins: it never waits
// for the whole pool, so a finished message is acked even while its
// neighbours are still running.
func (c *Client) harvest(ctx context.Context, slots map[uint64]*inFlight, completions chan completion, config Consumer) {
	if len(slots) == 0 {
		return
	}

	timer := time.NewTimer(config.HarvestInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case comp := <-completions:
		c.finish(comp, slots)
	case <-timer.C:
		return
	}

	for {
		select {
		case comp := <-completions:
			c.finish(comp, slots)
		default:
			return
		}
	}
}

// finish resolves one completed message: ack on success, reject without
// requeue on failure. A completion that lost the race against the timeout
// sweep is dropped, its message was already rejected.
func (c *Client) finish(comp completion, slots map[uint64]*inFlight) {
	m := comp.msg
	if !m.tryResolve() {
		logrus.Debugf("RabbitMQ: Late completion for record %s ignored, already resolved", m.recordID)
		return
	}
	delete(slots, m.delivery.DeliveryTag)

	elapsed := m.age(time.Now())
	if comp.err == nil {
		if err := m.delivery.Ack(false); err != nil {
			logrus.Errorf("RabbitMQ: Failed to ack record %s: %v", m.recordID, err)
		}
		return
	}

	logrus.Errorf("RabbitMQ: Record %s failed after %v: %v. Sending to DLQ (Reject).", m.recordID, elapsed, comp.err)

	// Reject(false) sends the message to the Dead Letter Exchange (if
	// configured on the queue) or discards it if no DLQ is configured.
	if err := m.delivery.Reject(false); err != nil {
		logrus.Errorf("RabbitMQ: Failed to reject record %s: %v", m.recordID, err)
	}
}

// sweep ages every unresolved slot. Past LongRecordThreshold a warning is
// logged once; past RejectThreshold the message is rejected without requeue
// and the slot freed immediately. The running task is not cancelled, it is
// abandoned: if it ever finishes, finish observes resolved=true and drops it.
func (c *Client) sweep(slots map[uint64]*inFlight, config Consumer) {
	now := time.Now()
	for tag, m := range slots {
		elapsed := m.age(now)
		switch {
		case elapsed > config.RejectThreshold:
			if !m.tryResolve() {
				delete(slots, tag)
				continue
			}
			delete(slots, tag)
			logrus.Errorf("RabbitMQ: Record %s timed out after %v, rejecting to DLQ", m.recordID, elapsed)
			if err := m.delivery.Reject(false); err != nil {
				logrus.Errorf("RabbitMQ: Failed to reject record %s: %v", m.recordID, err)
			}
		case elapsed > config.LongRecordThreshold && !m.warned:
			m.warned = true
			logrus.Warnf("RabbitMQ: Record %s still processing after %v", m.recordID, elapsed)
		}
	}
}
