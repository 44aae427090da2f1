package wakutransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

var (
	publishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailchat_waku_publishes_total",
		Help: "Outbound mail items published to the relay, by result.",
	}, []string{"result"})
	storeQueryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailchat_waku_store_query_failures_total",
		Help: "Failed history queries against waku store peers.",
	})
)

func init() {
	prometheus.MustRegister(publishesTotal, storeQueryFailures)
}

type backend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	Subscribe(recipient string, handler func(mailItem)) error
	Publish(ctx context.Context, item mailItem) error
	FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]mailItem, error)
}

// Transport adapts a waku relay plus store peers to the mailbox contract the
// engine consumes. Inbox listing is a history query against store peers,
// filtered through the local tombstone set.
type Transport struct {
	cfg     Config
	self    string
	logger  *slog.Logger
	be      backend
	removed *removedSet

	mu        sync.Mutex
	observers []func(contracts.ProgressEvent)
	outbound  map[string]struct{}
}

var _ contracts.Transport = (*Transport)(nil)

func NewTransport(cfg Config, selfAddr, removedPath, storageSecret string, logger *slog.Logger) (*Transport, error) {
	be := newWakuBackend()
	if be == nil {
		return nil, errors.New("waku backend is not available in this build")
	}
	if logger == nil {
		logger = slog.Default()
	}
	removed, err := newRemovedSet(removedPath, storageSecret)
	if err != nil {
		return nil, err
	}
	return &Transport{
		cfg:      normalizeConfig(cfg),
		self:     models.CanonicalAddress(selfAddr),
		logger:   logger,
		be:       be,
		removed:  removed,
		outbound: make(map[string]struct{}),
	}, nil
}

func (t *Transport) Start(ctx context.Context) error {
	return t.be.Start(ctx, t.cfg)
}

func (t *Transport) Stop() {
	t.be.Stop()
}

func (t *Transport) PeerCount() int {
	return t.be.PeerCount()
}

func (t *Transport) Subscribe(handler func(contracts.InboundItem)) error {
	return t.be.Subscribe(t.self, func(item mailItem) {
		if t.removed.Contains(item.ID) {
			return
		}
		handler(t.toInbound(item))
	})
}

func (t *Transport) ListInbox(ctx context.Context, since time.Time) ([]contracts.InboundItem, error) {
	items, err := t.be.FetchSince(ctx, t.self, since, t.cfg.StoreQueryLimit)
	if err != nil {
		storeQueryFailures.Inc()
		return nil, err
	}
	out := make([]contracts.InboundItem, 0, len(items))
	for _, item := range items {
		if t.removed.Contains(item.ID) {
			continue
		}
		out = append(out, t.toInbound(item))
	}
	return out, nil
}

func (t *Transport) FetchInboxItem(ctx context.Context, id string) (contracts.InboundItem, bool, error) {
	if t.removed.Contains(id) {
		return contracts.InboundItem{}, false, nil
	}
	items, err := t.be.FetchSince(ctx, t.self, time.Unix(0, 0), t.cfg.StoreQueryLimit)
	if err != nil {
		storeQueryFailures.Inc()
		return contracts.InboundItem{}, false, err
	}
	for _, item := range items {
		if item.ID == id {
			return t.toInbound(item), true, nil
		}
	}
	return contracts.InboundItem{}, false, nil
}

func (t *Transport) RemoveInboxItem(_ context.Context, id string) error {
	return t.removed.Add(id)
}

func (t *Transport) EnqueueOutbound(ctx context.Context, recipients []string, payload []byte, deliveryID string, _ contracts.OutboundOptions) error {
	t.mu.Lock()
	t.outbound[deliveryID] = struct{}{}
	t.mu.Unlock()

	targets := append([]string(nil), recipients...)
	body := append([]byte(nil), payload...)
	go t.deliver(ctx, targets, body, deliveryID)
	return nil
}

func (t *Transport) deliver(ctx context.Context, recipients []string, payload []byte, deliveryID string) {
	failures := 0
	for _, recipient := range recipients {
		recipient = models.CanonicalAddress(recipient)
		if strings.TrimSpace(recipient) == "" {
			failures++
			t.emitProgress(contracts.ProgressEvent{DeliveryID: deliveryID, Recipient: recipient, Failed: true})
			continue
		}
		item := mailItem{
			ID:          uuid.NewString(),
			Sender:      t.self,
			Recipient:   recipient,
			DeliveredMs: time.Now().UnixMilli(),
			Payload:     payload,
		}
		if err := t.be.Publish(ctx, item); err != nil {
			failures++
			publishesTotal.WithLabelValues("error").Inc()
			t.logger.Warn("mail item publish failed", "delivery_id", deliveryID, "recipient", recipient, "reason", err.Error())
			t.emitProgress(contracts.ProgressEvent{DeliveryID: deliveryID, Recipient: recipient, Failed: true})
			continue
		}
		publishesTotal.WithLabelValues("ok").Inc()
		t.emitProgress(contracts.ProgressEvent{DeliveryID: deliveryID, Recipient: recipient})
	}
	terminal := contracts.AllDoneOK
	if failures > 0 {
		terminal = contracts.AllDoneWithErrors
	}
	t.emitProgress(contracts.ProgressEvent{DeliveryID: deliveryID, AllDone: terminal})
}

func (t *Transport) ObserveOutboundProgress(handler func(contracts.ProgressEvent)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, handler)
	return nil
}

func (t *Transport) RemoveOutboundItem(_ context.Context, deliveryID string) error {
	// Published relay messages cannot be retracted; completion just drops the
	// local tracking entry.
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.outbound, deliveryID)
	return nil
}

func (t *Transport) emitProgress(event contracts.ProgressEvent) {
	t.mu.Lock()
	observers := append(([]func(contracts.ProgressEvent))(nil), t.observers...)
	t.mu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
}

func (t *Transport) toInbound(item mailItem) contracts.InboundItem {
	return contracts.InboundItem{
		ID:          item.ID,
		Sender:      models.CanonicalAddress(item.Sender),
		Recipient:   t.self,
		DeliveredAt: item.deliveredAt(),
		Payload:     item.Payload,
	}
}

func decodeMailItem(payload []byte) (mailItem, bool) {
	var item mailItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return mailItem{}, false
	}
	if item.ID == "" || item.Recipient == "" {
		return mailItem{}, false
	}
	return item, true
}
