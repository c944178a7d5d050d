package rabbitmq

import (
	"sync"
	"testing"
)

func TestBackpressureStreak(t *testing.T) {
	bp := &backpressure{}

	if bp.streak() != 0 {
		t.Fatalf("Expected empty streak, got %d", bp.streak())
	}
	if n := bp.rejected(); n != 1 {
		t.Errorf("Expected streak 1, got %d", n)
	}
	if n := bp.rejected(); n != 2 {
		t.Errorf("Expected streak 2, got %d", n)
	}

	bp.accepted()
	if bp.streak() != 0 {
		t.Errorf("Expected accepted to reset the streak, got %d", bp.streak())
	}
}

func TestBackpressureConcurrentUpdates(t *testing.T) {
	bp := &backpressure{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bp.rejected()
		}()
	}
	wg.Wait()

	if bp.streak() != 50 {
		t.Errorf("Expected streak 50, got %d", bp.streak())
	}
}
