package queue

import (
	"log/slog"
	"sync"
)

// CoalescingWriter serializes snapshot writes with the same single-active
// discipline as the category queues, except that a write requested while one
// is in flight supersedes any still-pending write instead of queuing behind
// it. The durable store only ever needs the newest snapshot.
type CoalescingWriter struct {
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	next    func() error
	wg      sync.WaitGroup
}

func NewCoalescingWriter(logger *slog.Logger) *CoalescingWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoalescingWriter{logger: logger}
}

// Schedule requests a write. If a write is already running the new one
// replaces whatever was pending.
func (w *CoalescingWriter) Schedule(write func() error) {
	w.mu.Lock()
	if w.running {
		w.next = write
		w.mu.Unlock()
		return
	}
	w.running = true
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(write)
}

// Flush blocks until the writer is idle.
func (w *CoalescingWriter) Flush() {
	w.wg.Wait()
}

func (w *CoalescingWriter) run(write func() error) {
	defer w.wg.Done()
	for {
		if err := write(); err != nil {
			w.logger.Warn("store snapshot write failed", "reason", err.Error())
		}
		w.mu.Lock()
		if w.next == nil {
			w.running = false
			w.mu.Unlock()
			return
		}
		write = w.next
		w.next = nil
		w.mu.Unlock()
	}
}
