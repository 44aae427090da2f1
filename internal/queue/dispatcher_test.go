package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherFIFOWithinCategory(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)

	var mu sync.Mutex
	var got []string
	release := make(chan struct{})
	d.Register(CategoryChatProtocol, func(_ context.Context, item any) error {
		s := item.(string)
		if s == "A" {
			// First handler suspends; order must still hold.
			<-release
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		return nil
	})

	d.Enqueue(CategoryChatProtocol, "A")
	d.Enqueue(CategoryChatProtocol, "B")
	d.Enqueue(CategoryChatProtocol, "C")
	close(release)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("expected [A B C], got %v", got)
	}
}

func TestDispatcherFaultIsolation(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)

	var mu sync.Mutex
	var got []string
	d.Register(CategoryChatProtocol, func(_ context.Context, item any) error {
		s := item.(string)
		if s == "B" {
			return errors.New("poisoned item")
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		return nil
	})

	d.Enqueue(CategoryChatProtocol, "A")
	d.Enqueue(CategoryChatProtocol, "B")
	d.Enqueue(CategoryChatProtocol, "C")
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("expected A and C processed despite B failing, got %v", got)
	}
}

func TestDispatcherCategoriesIndependent(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)

	slowStarted := make(chan struct{})
	slowRelease := make(chan struct{})
	d.Register(CategoryChatProtocol, func(_ context.Context, _ any) error {
		close(slowStarted)
		<-slowRelease
		return nil
	})
	var fastDone atomic.Bool
	d.Register(CategoryDeliveryProgress, func(_ context.Context, _ any) error {
		fastDone.Store(true)
		return nil
	})

	d.Enqueue(CategoryChatProtocol, "slow")
	<-slowStarted
	d.Enqueue(CategoryDeliveryProgress, "fast")

	deadline := time.After(2 * time.Second)
	for !fastDone.Load() {
		select {
		case <-deadline:
			t.Fatal("slow category stalled an independent category")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(slowRelease)
	d.Wait()
}

func TestDispatcherRestartsDrainAfterIdle(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)

	var count atomic.Int64
	d.Register(CategoryCallSignal, func(_ context.Context, _ any) error {
		count.Add(1)
		return nil
	})

	d.Enqueue(CategoryCallSignal, 1)
	d.Wait()
	d.Enqueue(CategoryCallSignal, 2)
	d.Wait()

	if count.Load() != 2 {
		t.Fatalf("expected 2 processed, got %d", count.Load())
	}
	if d.Depth(CategoryCallSignal) != 0 {
		t.Fatalf("expected empty queue, depth=%d", d.Depth(CategoryCallSignal))
	}
}

func TestDispatcherAtMostOneDrainPerCategory(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)

	var concurrent atomic.Int64
	var maxSeen atomic.Int64
	d.Register(CategoryChatProtocol, func(_ context.Context, _ any) error {
		cur := concurrent.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		concurrent.Add(-1)
		return nil
	})

	for i := 0; i < 32; i++ {
		d.Enqueue(CategoryChatProtocol, i)
	}
	d.Wait()

	if maxSeen.Load() != 1 {
		t.Fatalf("observed %d concurrent handlers in one category", maxSeen.Load())
	}
}
