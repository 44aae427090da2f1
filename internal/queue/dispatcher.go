package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Category names one independent processing concern. Categories never delay
// each other; ordering is guaranteed only within a category.
type Category string

const (
	CategoryChatProtocol     Category = "chat-protocol"
	CategoryCallSignal       Category = "call-signal"
	CategoryDeliveryProgress Category = "delivery-progress"
)

type Handler func(ctx context.Context, item any) error

var (
	itemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailchat_queue_items_processed_total",
		Help: "Items drained per category queue.",
	}, []string{"category"})
	handlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailchat_queue_handler_errors_total",
		Help: "Handler failures per category queue.",
	}, []string{"category"})
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailchat_queue_depth",
		Help: "Pending items per category queue.",
	}, []string{"category"})
)

func init() {
	prometheus.MustRegister(itemsProcessed, handlerErrors, queueDepth)
}

// Dispatcher guarantees at most one active drain per category and FIFO order
// within it. The single-worker invariant is structural: a drain goroutine is
// started exactly when a category transitions from idle to non-empty, and
// exits while holding the lock that the next Enqueue takes.
type Dispatcher struct {
	ctx    context.Context
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[Category][]any
	active   map[Category]bool
	handlers map[Category]Handler
	wg       sync.WaitGroup
}

func NewDispatcher(ctx context.Context, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ctx:      ctx,
		logger:   logger,
		pending:  make(map[Category][]any),
		active:   make(map[Category]bool),
		handlers: make(map[Category]Handler),
	}
}

// Register installs the handler for a category. Must be called before the
// first Enqueue for that category.
func (d *Dispatcher) Register(cat Category, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cat] = h
}

// Enqueue appends the item to the category's pending list and starts a drain
// if none is running for that category.
func (d *Dispatcher) Enqueue(cat Category, item any) {
	d.mu.Lock()
	d.pending[cat] = append(d.pending[cat], item)
	queueDepth.WithLabelValues(string(cat)).Set(float64(len(d.pending[cat])))
	start := !d.active[cat]
	if start {
		d.active[cat] = true
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if start {
		go d.drain(cat)
	}
}

// Depth reports the number of queued items for a category.
func (d *Dispatcher) Depth(cat Category) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[cat])
}

// Wait blocks until every running drain has terminated. Used on shutdown and
// in tests; new Enqueues during Wait start fresh drains as usual.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain(cat Category) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queueDepth.WithLabelValues(string(cat)).Set(float64(len(d.pending[cat])))
		if len(d.pending[cat]) == 0 {
			d.active[cat] = false
			d.mu.Unlock()
			return
		}
		item := d.pending[cat][0]
		d.pending[cat] = d.pending[cat][1:]
		handler := d.handlers[cat]
		d.mu.Unlock()

		if handler == nil {
			d.logger.Warn("no handler registered for queue category", "category", string(cat))
			continue
		}
		// A poisoned item must never stall the queue: failures are logged and
		// the drain moves to the next item.
		if err := handler(d.ctx, item); err != nil {
			handlerErrors.WithLabelValues(string(cat)).Inc()
			d.logger.Warn("queue item handler failed", "category", string(cat), "reason", err.Error())
		}
		itemsProcessed.WithLabelValues(string(cat)).Inc()
	}
}
