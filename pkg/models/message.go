package models

import (
	"errors"
	"time"
)

type MessageKind string

const (
	MessageKindRegular    MessageKind = "regular"
	MessageKindSystem     MessageKind = "system"
	MessageKindInvitation MessageKind = "invitation"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageStatus string

const (
	MessageStatusNone     MessageStatus = ""
	MessageStatusUnread   MessageStatus = "unread"
	MessageStatusSending  MessageStatus = "sending"
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusError    MessageStatus = "error"
	MessageStatusCanceled MessageStatus = "canceled"
	MessageStatusRead     MessageStatus = "read"
)

type Attachment struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	LinkID string `json:"link_id,omitempty"`
}

type RelatedKind string

const (
	RelatedReply   RelatedKind = "reply"
	RelatedForward RelatedKind = "forward"
)

// RelatedRef points at another message in the same chat. Resolution is lazy;
// a referenced message that no longer exists resolves to a "not found" marker.
type RelatedRef struct {
	Kind          RelatedKind `json:"kind"`
	ChatMessageID string      `json:"chat_message_id"`
}

type HistoryEntry struct {
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
	Kind  string    `json:"kind"`
	Value string    `json:"value"`
}

var ErrAmbiguousChatRef = errors.New("message must reference exactly one of group chat or peer")

// Message is the durable message record, keyed by (chat, ChatMessageID).
// Exactly one of GroupChatID or OtoPeerCAddr is set; this is the
// disambiguator used to recover the ChatID from a raw record.
type Message struct {
	ChatMessageID string `json:"chat_message_id"`
	GroupChatID   string `json:"group_chat_id,omitempty"`
	OtoPeerCAddr  string `json:"oto_peer_c_addr,omitempty"`

	Direction Direction   `json:"direction"`
	Sender    string      `json:"sender,omitempty"` // group chats only
	Kind      MessageKind `json:"kind"`
	Body      string      `json:"body"`

	Attachments []Attachment `json:"attachments,omitempty"`
	Related     *RelatedRef  `json:"related,omitempty"`

	Status    MessageStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`

	History   []HistoryEntry    `json:"history,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"`

	Settings  ChatSettings `json:"settings"`
	RemovalMs int64        `json:"removal_ms"`

	// InboxItemID is the transport inbox id retained past processing when the
	// message carries attachments that must stay fetchable; reclaimed on
	// message deletion.
	InboxItemID string `json:"inbox_item_id,omitempty"`
}

// Clone returns a record sharing no slices, maps, or pointers with the
// receiver.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Related != nil {
		ref := *m.Related
		out.Related = &ref
	}
	if m.History != nil {
		out.History = append([]HistoryEntry(nil), m.History...)
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	return out
}

// ChatID recovers the owning chat identifier from the record.
func (m Message) ChatID() (ChatID, error) {
	hasGroup := m.GroupChatID != ""
	hasOto := m.OtoPeerCAddr != ""
	if hasGroup == hasOto {
		return ChatID{}, ErrAmbiguousChatRef
	}
	if hasGroup {
		return ChatID{IsGroup: true, ID: m.GroupChatID}, nil
	}
	return ChatID{IsGroup: false, ID: m.OtoPeerCAddr}, nil
}

// ChatKey returns the store key of the owning chat, empty when ambiguous.
func (m Message) ChatKey() string {
	id, err := m.ChatID()
	if err != nil {
		return ""
	}
	return id.ID
}

// ExpiresAt returns the auto-delete deadline, zero when RemovalMs is 0.
func (m Message) ExpiresAt() time.Time {
	if m.RemovalMs <= 0 {
		return time.Time{}
	}
	return m.Timestamp.Add(time.Duration(m.RemovalMs) * time.Millisecond)
}

// MergeMessageStatus keeps status transitions monotone: a message already
// read is never regressed by a late sent receipt.
func MergeMessageStatus(current, candidate MessageStatus) MessageStatus {
	if messageStatusOrder(candidate) >= messageStatusOrder(current) {
		return candidate
	}
	return current
}

func messageStatusOrder(status MessageStatus) int {
	switch status {
	case MessageStatusSending:
		return 1
	case MessageStatusError, MessageStatusCanceled:
		return 2
	case MessageStatusSent:
		return 3
	case MessageStatusUnread:
		return 3
	case MessageStatusRead:
		return 4
	default:
		return 0
	}
}
