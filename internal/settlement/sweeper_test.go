package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atmx/wreckage-engine/internal/model"
)

func TestSweeper_SettlesExpiredPositions(t *testing.T) {
	h := newHarness(t, time.Minute, 1e9)
	ctx := context.Background()

	rest, err := h.orch.Process(ctx, sub("alice", "short", "ETH", 1000, 1))
	if err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(h.orch, h.engine, time.Second)
	if n := s.Sweep(ctx); n != 0 {
		t.Fatalf("nothing should expire yet, settled %d", n)
	}

	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	if n := s.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 settled, got %d", n)
	}
	if len(h.engine.Open()) != 0 {
		t.Error("pool should be empty after sweep")
	}
	states := auditStates(t, h.store, rest.EventID)
	if states[len(states)-1] != model.StateBaseMinted {
		t.Errorf("expected base mint with no venues, got %v", states)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 0, 1e9)
	s := NewSweeper(h.orch, h.engine, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestKeyLock(t *testing.T) {
	k := newKeyLock()
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected mutual exclusion, saw %d concurrent holders", maxInside)
	}
	if len(k.locks) != 0 {
		t.Errorf("expected lock entries released, %d remain", len(k.locks))
	}
}
