package rabbitmq

import "sync"

// backpressure counts consecutive publish rejections. It only drives logging
// and the operational escalation signal, never correctness.
type backpressure struct {
	mu          sync.Mutex
	consecutive int
}

// rejected records one more refused publish and returns the streak length.
func (b *backpressure) rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	return b.consecutive
}

// accepted resets the streak.
func (b *backpressure) accepted() {
	b.mu.Lock()
	b.consecutive = 0
	b.mu.Unlock()
}

func (b *backpressure) streak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
