package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

// Engine applies decoded protocol events to the stores idempotently and owns
// the outgoing message lifecycle (sending -> sent/error/canceled). Invitation
// and membership events are routed onward to the convergence protocol via the
// On* hooks.
type Engine struct {
	Self     string
	Chats    contracts.ChatStore
	Messages contracts.MessageStore
	Files    contracts.FileLinkStore

	Enqueue          func(ctx context.Context, recipients []string, env contracts.Envelope, deliveryID string) error
	CompleteDelivery func(ctx context.Context, deliveryID string) error
	DiscardInbox     func(ctx context.Context, inboxItemID string) error
	Notify           func(contracts.ChangeEvent)
	NewMessageID     func(now time.Time) (string, error)
	NewDeliveryID    func() string
	Now              func() time.Time
	Logger           *slog.Logger

	OnInvite        func(ctx context.Context, sender string, env contracts.Envelope) error
	OnAccept        func(ctx context.Context, sender string, env contracts.Envelope) error
	OnMembers       func(ctx context.Context, sender string, env contracts.Envelope) error
	OnChatName      func(ctx context.Context, sender string, env contracts.Envelope) error
	OnSettings      func(ctx context.Context, sender string, env contracts.Envelope) error
	OnMemberRemoved func(ctx context.Context, sender string, env contracts.Envelope) error
	OnMemberLeft    func(ctx context.Context, sender string, env contracts.Envelope) error

	mu         sync.Mutex
	deliveries map[string]deliveryRef
}

// deliveryRef ties an outbound delivery id back to the message whose status
// it drives.
type deliveryRef struct {
	chatKey       string
	chatMessageID string
	failed        bool
	done          bool
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) self() string {
	return models.CanonicalAddress(e.Self)
}

func (e *Engine) notify(event contracts.ChangeEvent) {
	if e.Notify != nil {
		e.Notify(event)
	}
}

func (e *Engine) newMessageID(now time.Time) (string, error) {
	if e.NewMessageID == nil {
		return "", errors.New("message id generator is required")
	}
	return e.NewMessageID(now)
}

func (e *Engine) enqueue(ctx context.Context, recipients []string, env contracts.Envelope, deliveryID string) error {
	if e.Enqueue == nil || len(recipients) == 0 {
		return nil
	}
	if err := e.Enqueue(ctx, recipients, env, deliveryID); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	return nil
}

// recipientsOf returns the wire recipients of a chat: the peer for one-to-one
// chats, every other member for groups.
func (e *Engine) recipientsOf(chat models.Chat) []string {
	if !chat.IsGroup {
		return []string{chat.PeerCAddr}
	}
	self := e.self()
	out := make([]string, 0, len(chat.Members))
	for _, m := range chat.Members {
		caddr := models.CanonicalAddress(m.Address)
		if caddr == self {
			continue
		}
		out = append(out, caddr)
	}
	return out
}

// RelatedMessage resolves a reply/forward reference lazily. A reference to a
// message that no longer exists reports found=false rather than failing.
func (e *Engine) RelatedMessage(msg models.Message) (models.Message, bool) {
	if msg.Related == nil {
		return models.Message{}, false
	}
	return e.Messages.Get(msg.ChatKey(), msg.Related.ChatMessageID)
}

// ReclaimMessages releases the storage not tracked by the message store:
// attachment links and retained inbox entries.
func (e *Engine) ReclaimMessages(ctx context.Context, removed []models.Message) {
	for _, msg := range removed {
		for _, att := range msg.Attachments {
			if att.LinkID == "" || e.Files == nil {
				continue
			}
			if err := e.Files.DeleteLink(att.LinkID); err != nil {
				e.logger().Warn("attachment link reclaim failed", "reason", err.Error())
			}
		}
		if msg.InboxItemID != "" && e.DiscardInbox != nil {
			if err := e.DiscardInbox(ctx, msg.InboxItemID); err != nil {
				e.logger().Warn("inbox entry reclaim failed", "inbox_item_id", msg.InboxItemID, "reason", err.Error())
			}
		}
	}
}

// SweepExpired deletes messages past their auto-delete TTL.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) {
	for _, msg := range e.Messages.Expired(now) {
		chatKey := msg.ChatKey()
		if err := e.Messages.Delete(chatKey, msg.ChatMessageID); err != nil {
			e.logger().Warn("expired message delete failed", "reason", err.Error())
			continue
		}
		e.ReclaimMessages(ctx, []models.Message{msg})
		e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageDeleted, ChatKey: chatKey, ChatMessageID: msg.ChatMessageID})
	}
}

func (e *Engine) trackDelivery(deliveryID, chatKey, chatMessageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deliveries == nil {
		e.deliveries = make(map[string]deliveryRef)
	}
	e.deliveries[deliveryID] = deliveryRef{chatKey: chatKey, chatMessageID: chatMessageID}
}

// HandleProgress consumes one outbound-progress event. The completion
// side-effect (dropping the transport's outbound item) fires exactly once,
// on the terminal all-done signal.
func (e *Engine) HandleProgress(ctx context.Context, event contracts.ProgressEvent) error {
	e.mu.Lock()
	ref, ok := e.deliveries[event.DeliveryID]
	if ok && event.Failed {
		ref.failed = true
		e.deliveries[event.DeliveryID] = ref
	}
	terminal := event.AllDone != "" && ok && !ref.done
	if terminal {
		ref.done = true
		e.deliveries[event.DeliveryID] = ref
		delete(e.deliveries, event.DeliveryID)
	}
	e.mu.Unlock()
	if !ok {
		// Progress for a delivery carrying no tracked message (control traffic,
		// acks). The outbound item still has to be dropped once it terminates.
		if event.AllDone != "" && e.CompleteDelivery != nil {
			if err := e.CompleteDelivery(ctx, event.DeliveryID); err != nil {
				e.logger().Warn("outbound item removal failed", "delivery_id", event.DeliveryID, "reason", err.Error())
			}
		}
		return nil
	}
	if !terminal {
		return nil
	}

	status := models.MessageStatusSent
	if event.AllDone == contracts.AllDoneWithErrors || ref.failed {
		status = models.MessageStatusError
	}
	if ref.chatMessageID != "" {
		_, err := e.Messages.Update(ref.chatKey, ref.chatMessageID, func(m models.Message) (models.Message, error) {
			m.Status = models.MergeMessageStatus(m.Status, status)
			return m, nil
		})
		if err != nil && !errors.Is(err, contracts.ErrMessageNotFound) {
			return err
		}
		e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageUpdated, ChatKey: ref.chatKey, ChatMessageID: ref.chatMessageID})
	}
	if e.CompleteDelivery != nil {
		if err := e.CompleteDelivery(ctx, event.DeliveryID); err != nil {
			e.logger().Warn("outbound item removal failed", "delivery_id", event.DeliveryID, "reason", err.Error())
		}
	}
	return nil
}
