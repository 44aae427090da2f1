package contracts

import (
	"context"
	"time"

	"mailchat/go-engine/pkg/models"
)

// InboundItem is one deposited inbox entry as seen by the engine. Payload is
// the raw wire envelope; Sender/Recipient are transport-level addresses.
type InboundItem struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	DeliveredAt time.Time `json:"delivered_at"`
	Payload     []byte    `json:"payload"`
}

// Terminal outcomes of an outbound delivery across all its recipients.
const (
	AllDoneOK         = "all-ok"
	AllDoneWithErrors = "with-errors"
)

// ProgressEvent is one increment of an outbound delivery's progress stream.
// AllDone is empty until the terminal event.
type ProgressEvent struct {
	DeliveryID string `json:"delivery_id"`
	Recipient  string `json:"recipient,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
	AllDone    string `json:"all_done,omitempty"`
}

type OutboundOptions struct {
	SendImmediately bool
	LocalMeta       map[string]string
}

// Transport is the store-and-forward mail collaborator. Removal of an absent
// inbox item is not an error; outbound progress is observed via a long-lived
// subscription rather than request/response.
type Transport interface {
	Subscribe(handler func(InboundItem)) error
	ListInbox(ctx context.Context, since time.Time) ([]InboundItem, error)
	FetchInboxItem(ctx context.Context, id string) (InboundItem, bool, error)
	RemoveInboxItem(ctx context.Context, id string) error
	EnqueueOutbound(ctx context.Context, recipients []string, payload []byte, deliveryID string, opts OutboundOptions) error
	ObserveOutboundProgress(handler func(ProgressEvent)) error
	RemoveOutboundItem(ctx context.Context, deliveryID string) error
}

// ChatStore is the durable chat repository port.
type ChatStore interface {
	Find(key string) (models.Chat, bool)
	Add(chat models.Chat) error
	Update(key string, mutate func(models.Chat) (models.Chat, error)) (models.Chat, error)
	Delete(key string) error
	List() []models.Chat
}

// MessageStore is the durable message repository port.
type MessageStore interface {
	Add(msg models.Message) error
	Get(chatKey, chatMessageID string) (models.Message, bool)
	Update(chatKey, chatMessageID string, mutate func(models.Message) (models.Message, error)) (models.Message, error)
	Delete(chatKey, chatMessageID string) error
	DeleteByChat(chatKey string) ([]models.Message, error)
	ListByChat(chatKey string) []models.Message
	UnreadCount(chatKey string) int
	Latest(chatKey string) (models.Message, bool)
	WithInboxRefs(chatKey string) []models.Message
	Expired(now time.Time) []models.Message
}

type FileLink struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	StoredPath string    `json:"stored_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// FileLinkStore tracks attachment storage links; contents are never
// inspected by the engine.
type FileLinkStore interface {
	SaveLink(link FileLink) (string, error)
	GetLink(id string) (FileLink, bool, error)
	DeleteLink(id string) error
}

// WatermarkStore persists the resumption checkpoint.
type WatermarkStore interface {
	Load() (time.Time, error)
	Store(ts time.Time) error
}
