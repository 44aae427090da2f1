package storage

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"

	"mailchat/go-engine/pkg/models"
)

func unixMsTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Legacy (pre-versioned) snapshots were plaintext JSON with group membership
// stored as an unordered map. Migration runs exactly once, at store open:
// the legacy file is decoded, converted to the current schema, persisted
// encrypted, and the engine never sees the legacy shape again.

var errLegacySnapshot = errors.New("legacy snapshot payload is invalid")

type legacyMemberState struct {
	HasAccepted bool `json:"hasAccepted"`
}

type legacyChat struct {
	IsGroupChat   bool                         `json:"isGroupChat"`
	PeerAddress   string                       `json:"peerAddress,omitempty"`
	ChatID        string                       `json:"chatId"`
	Name          string                       `json:"name"`
	Members       map[string]legacyMemberState `json:"members,omitempty"`
	Admins        []string                     `json:"admins,omitempty"`
	Status        string                       `json:"status"`
	RemovalMs     int64                        `json:"removalMs"`
	CreatedAt     int64                        `json:"createdAt"`
	LastUpdatedAt int64                        `json:"lastUpdatedAt"`
}

func (s *ChatStore) migrateLegacyChats() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var legacy struct {
		Chats map[string]legacyChat `json:"chats"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return errLegacySnapshot
	}
	migrated := make(map[string]models.Chat, len(legacy.Chats))
	for key, old := range legacy.Chats {
		chat, err := migrateLegacyChat(old)
		if err != nil {
			return err
		}
		migrated[key] = chat
	}
	if err := s.persistSnapshotLocked(migrated); err != nil {
		return err
	}
	s.chats = migrated
	return nil
}

func migrateLegacyChat(old legacyChat) (models.Chat, error) {
	chat := models.Chat{
		IsGroup:       old.IsGroupChat,
		Name:          old.Name,
		Status:        models.ChatStatus(old.Status),
		Settings:      models.ChatSettings{RemovalMs: old.RemovalMs},
		CreatedAt:     unixMsTime(old.CreatedAt),
		LastUpdatedAt: unixMsTime(old.LastUpdatedAt),
	}
	if old.IsGroupChat {
		chat.GroupID = old.ChatID
		// Legacy maps lost insertion order; migrate deterministically by
		// address so every replica converges on the same order.
		addrs := make([]string, 0, len(old.Members))
		for addr := range old.Members {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			chat.Members = append(chat.Members, models.Member{
				Address:     addr,
				HasAccepted: old.Members[addr].HasAccepted,
			})
		}
		chat.Admins = append([]string(nil), old.Admins...)
	} else {
		chat.PeerAddress = old.PeerAddress
		chat.PeerCAddr = models.CanonicalAddress(old.ChatID)
	}
	if err := models.ValidateChat(chat); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

type legacyMessage struct {
	ChatMessageID string `json:"chatMessageId"`
	GroupChatID   string `json:"groupChatId,omitempty"`
	OtoPeerCAddr  string `json:"otoPeerCAddr,omitempty"`
	Direction     string `json:"direction"`
	Sender        string `json:"sender,omitempty"`
	Type          string `json:"type"`
	Body          string `json:"body"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
	RemovalMs     int64  `json:"removalMs"`
}

func (s *MessageStore) migrateLegacyMessages() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var legacy struct {
		Messages map[string]legacyMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return errLegacySnapshot
	}
	migrated := make(map[string]models.Message, len(legacy.Messages))
	for _, old := range legacy.Messages {
		msg := models.Message{
			ChatMessageID: old.ChatMessageID,
			GroupChatID:   old.GroupChatID,
			OtoPeerCAddr:  models.CanonicalAddress(old.OtoPeerCAddr),
			Direction:     models.Direction(old.Direction),
			Sender:        old.Sender,
			Kind:          models.MessageKind(old.Type),
			Body:          old.Body,
			Status:        models.MessageStatus(old.Status),
			Timestamp:     unixMsTime(old.Timestamp),
			RemovalMs:     old.RemovalMs,
		}
		chatKey := msg.ChatKey()
		if chatKey == "" {
			return errLegacySnapshot
		}
		migrated[messageKey(chatKey, msg.ChatMessageID)] = msg
	}
	if err := s.persistSnapshotLocked(migrated); err != nil {
		return err
	}
	s.messages = migrated
	return nil
}

func decodeChatSnapshot(plaintext []byte) (map[string]models.Chat, error) {
	var snapshot persistedChats
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Version != chatSchemaVersion {
		return nil, errLegacySnapshot
	}
	if snapshot.Chats == nil {
		return map[string]models.Chat{}, nil
	}
	for _, chat := range snapshot.Chats {
		if err := models.ValidateChat(chat); err != nil {
			return nil, err
		}
	}
	return snapshot.Chats, nil
}
