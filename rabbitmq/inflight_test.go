package rabbitmq

import (
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestTryResolveWinsExactlyOnce(t *testing.T) {
	m := newInFlight(amqp.Delivery{DeliveryTag: 1}, Consumer{})

	const racers = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if m.tryResolve() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("Expected exactly 1 resolution winner, got %d", winners)
	}
}

func TestTryResolveStaysResolved(t *testing.T) {
	m := newInFlight(amqp.Delivery{DeliveryTag: 7}, Consumer{})
	if !m.tryResolve() {
		t.Fatal("First tryResolve should win")
	}
	if m.tryResolve() {
		t.Fatal("Second tryResolve should lose")
	}
}

func TestRecordIDFromExtractor(t *testing.T) {
	config := Consumer{RecordID: func(body []byte) string { return "r-" + string(body) }}
	m := newInFlight(amqp.Delivery{DeliveryTag: 1, Body: []byte("42")}, config)
	if m.recordID != "r-42" {
		t.Errorf("Expected record id r-42, got %s", m.recordID)
	}
}

func TestRecordIDFallsBackToMessageID(t *testing.T) {
	m := newInFlight(amqp.Delivery{DeliveryTag: 1, MessageId: "msg-9"}, Consumer{})
	if m.recordID != "msg-9" {
		t.Errorf("Expected record id msg-9, got %s", m.recordID)
	}
}

func TestRecordIDFallsBackToDeliveryTag(t *testing.T) {
	m := newInFlight(amqp.Delivery{DeliveryTag: 12}, Consumer{})
	if m.recordID != "tag-12" {
		t.Errorf("Expected record id tag-12, got %s", m.recordID)
	}
}

func TestAge(t *testing.T) {
	m := newInFlight(amqp.Delivery{DeliveryTag: 1}, Consumer{})
	m.started = time.Now().Add(-2 * time.Second)
	if age := m.age(time.Now()); age < 2*time.Second {
		t.Errorf("Expected age of at least 2s, got %v", age)
	}
}
