package rabbitmq

import (
	"strconv"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// inFlight is one message leased from the broker and not yet finally
// resolved. The coordinator owns it; the worker processing its payload never
// touches the delivery.
type inFlight struct {
	delivery amqp.Delivery
	recordID string
	started  time.Time

	// resolved guards the single ack-or-reject decision. Both the completion
	// path and the timeout sweep must win this CAS before issuing a broker
	// call; the loser takes no action.
	resolved atomic.Bool

	// warned is set once the long-record warning has been logged. Touched
	// only by the coordinator.
	warned bool
}

// completion is what a worker hands back to the coordinator. Workers never
// ack or reject; that authority stays with the coordinator.
type completion struct {
	msg *inFlight
	err error
}

func newInFlight(d amqp.Delivery, config Consumer) *inFlight {
	id := ""
	if config.RecordID != nil {
		id = config.RecordID(d.Body)
	}
	if id == "" {
		id = d.MessageId
	}
	if id == "" {
		id = "tag-" + strconv.FormatUint(d.DeliveryTag, 10)
	}
	return &inFlight{
		delivery: d,
		recordID: id,
		started:  time.Now(),
	}
}

// tryResolve claims the exclusive right to ack or reject this message.
// It returns true for exactly one caller, ever.
func (m *inFlight) tryResolve() bool {
	return m.resolved.CompareAndSwap(false, true)
}

func (m *inFlight) age(now time.Time) time.Duration {
	return now.Sub(m.started)
}
