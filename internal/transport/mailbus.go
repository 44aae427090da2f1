package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

// MailBus is an in-process store-and-forward fabric: outbound items are
// deposited into each recipient's inbox and stay there until explicitly
// removed, whether or not the recipient is currently subscribed. It backs
// the mock transport and local multi-endpoint tests.
type MailBus struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     int
	inboxes map[string][]contracts.InboundItem
	subs    map[string]func(contracts.InboundItem)
}

func NewMailBus(now func() time.Time) *MailBus {
	if now == nil {
		now = time.Now
	}
	return &MailBus{
		now:     now,
		inboxes: make(map[string][]contracts.InboundItem),
		subs:    make(map[string]func(contracts.InboundItem)),
	}
}

// Deposit places one item into the recipient's inbox and wakes its
// subscriber. Exposed to let tests inject delayed or duplicated traffic.
func (b *MailBus) Deposit(recipient string, item contracts.InboundItem) {
	recipient = models.CanonicalAddress(recipient)
	b.mu.Lock()
	if item.ID == "" {
		b.seq++
		item.ID = fmt.Sprintf("inbox-%d", b.seq)
	}
	if item.DeliveredAt.IsZero() {
		item.DeliveredAt = b.now()
	}
	item.Recipient = recipient
	b.inboxes[recipient] = append(b.inboxes[recipient], item)
	handler := b.subs[recipient]
	b.mu.Unlock()

	if handler != nil {
		go handler(item)
	}
}

// Endpoint binds one address to the bus as a Transport.
func (b *MailBus) Endpoint(addr string) *Endpoint {
	return &Endpoint{
		bus:      b,
		addr:     models.CanonicalAddress(addr),
		outbound: make(map[string]struct{}),
	}
}

// Endpoint is the mock Transport for a single local address.
type Endpoint struct {
	bus  *MailBus
	addr string

	mu        sync.Mutex
	observers []func(contracts.ProgressEvent)
	outbound  map[string]struct{}
}

var _ contracts.Transport = (*Endpoint)(nil)

func (e *Endpoint) Subscribe(handler func(contracts.InboundItem)) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	e.bus.subs[e.addr] = handler
	return nil
}

func (e *Endpoint) ListInbox(_ context.Context, since time.Time) ([]contracts.InboundItem, error) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	var out []contracts.InboundItem
	for _, item := range e.bus.inboxes[e.addr] {
		if !item.DeliveredAt.Before(since) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (e *Endpoint) FetchInboxItem(_ context.Context, id string) (contracts.InboundItem, bool, error) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	for _, item := range e.bus.inboxes[e.addr] {
		if item.ID == id {
			return item, true, nil
		}
	}
	return contracts.InboundItem{}, false, nil
}

func (e *Endpoint) RemoveInboxItem(_ context.Context, id string) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	items := e.bus.inboxes[e.addr]
	for i, item := range items {
		if item.ID == id {
			e.bus.inboxes[e.addr] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	// Not-found is not an error.
	return nil
}

func (e *Endpoint) EnqueueOutbound(_ context.Context, recipients []string, payload []byte, deliveryID string, _ contracts.OutboundOptions) error {
	e.mu.Lock()
	e.outbound[deliveryID] = struct{}{}
	e.mu.Unlock()

	failures := 0
	for _, recipient := range recipients {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			failures++
			e.emitProgress(contracts.ProgressEvent{DeliveryID: deliveryID, Recipient: recipient, Failed: true})
			continue
		}
		e.bus.Deposit(recipient, contracts.InboundItem{
			Sender:  e.addr,
			Payload: append([]byte(nil), payload...),
		})
		e.emitProgress(contracts.ProgressEvent{DeliveryID: deliveryID, Recipient: recipient})
	}
	terminal := contracts.AllDoneOK
	if failures > 0 {
		terminal = contracts.AllDoneWithErrors
	}
	e.emitProgress(contracts.ProgressEvent{DeliveryID: deliveryID, AllDone: terminal})
	return nil
}

func (e *Endpoint) ObserveOutboundProgress(handler func(contracts.ProgressEvent)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, handler)
	return nil
}

func (e *Endpoint) RemoveOutboundItem(_ context.Context, deliveryID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.outbound, deliveryID)
	return nil
}

// PendingOutbound reports whether a delivery is still tracked; used by tests
// to assert the exactly-once completion side-effect.
func (e *Endpoint) PendingOutbound(deliveryID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.outbound[deliveryID]
	return ok
}

func (e *Endpoint) emitProgress(event contracts.ProgressEvent) {
	e.mu.Lock()
	observers := append(([]func(contracts.ProgressEvent))(nil), e.observers...)
	e.mu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
}
