package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/securestore"
	"mailchat/go-engine/pkg/models"
)

var (
	ErrMessageIDConflict = errors.New("message id conflict")
	ErrMessageMissing    = fmt.Errorf("message record missing: %w", contracts.ErrMessageNotFound)
)

const messageSchemaVersion = 1

type persistedMessages struct {
	Version  int                       `json:"version"`
	Messages map[string]models.Message `json:"messages"`
}

// MessageStore holds message records keyed by (chat, chatMessageID); writes
// are serialized independently of the chat store so the two snapshot files
// never block each other. Records cross the boundary as deep copies so
// callers never alias stored history, reactions, or attachments.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]models.Message
	path     string
	secret   string
}

func NewMessageStore(path, secret string) (*MessageStore, error) {
	s := &MessageStore{
		messages: make(map[string]models.Message),
		path:     path,
		secret:   secret,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func messageKey(chatKey, chatMessageID string) string {
	return chatKey + "\x00" + chatMessageID
}

// Add stores a new message. Re-adding an identical record is a no-op so
// replayed envelopes stay idempotent; a differing record under the same id
// is a conflict.
func (s *MessageStore) Add(msg models.Message) error {
	chatKey := msg.ChatKey()
	if chatKey == "" {
		return models.ErrAmbiguousChatRef
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey(chatKey, msg.ChatMessageID)
	if existing, ok := s.messages[key]; ok {
		if messagesEqual(existing, msg) {
			return nil
		}
		return ErrMessageIDConflict
	}
	next := cloneMessagesMap(s.messages)
	next[key] = msg.Clone()
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.messages = next
	return nil
}

func (s *MessageStore) Get(chatKey, chatMessageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageKey(chatKey, chatMessageID)]
	return msg.Clone(), ok
}

func (s *MessageStore) Update(chatKey, chatMessageID string, mutate func(models.Message) (models.Message, error)) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey(chatKey, chatMessageID)
	msg, ok := s.messages[key]
	if !ok {
		return models.Message{}, ErrMessageMissing
	}
	updated, err := mutate(msg.Clone())
	if err != nil {
		return models.Message{}, err
	}
	// Records are updated in place, never re-keyed.
	updated.ChatMessageID = msg.ChatMessageID
	updated.GroupChatID = msg.GroupChatID
	updated.OtoPeerCAddr = msg.OtoPeerCAddr
	next := cloneMessagesMap(s.messages)
	next[key] = updated.Clone()
	if err := s.persistSnapshotLocked(next); err != nil {
		return models.Message{}, err
	}
	s.messages = next
	return updated, nil
}

func (s *MessageStore) Delete(chatKey, chatMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey(chatKey, chatMessageID)
	if _, ok := s.messages[key]; !ok {
		return ErrMessageMissing
	}
	next := cloneMessagesMap(s.messages)
	delete(next, key)
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.messages = next
	return nil
}

// DeleteByChat removes every message of the chat and returns the removed
// records so the caller can reclaim attachment links and inbox entries the
// store does not track.
func (s *MessageStore) DeleteByChat(chatKey string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.Message, len(s.messages))
	var removed []models.Message
	for key, msg := range s.messages {
		if msg.ChatKey() == chatKey {
			removed = append(removed, msg.Clone())
			continue
		}
		next[key] = msg
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.persistSnapshotLocked(next); err != nil {
		return nil, err
	}
	s.messages = next
	sortByTimestamp(removed)
	return removed, nil
}

func (s *MessageStore) ListByChat(chatKey string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.ChatKey() == chatKey {
			out = append(out, msg.Clone())
		}
	}
	sortByTimestamp(out)
	return out
}

func (s *MessageStore) UnreadCount(chatKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, msg := range s.messages {
		if msg.ChatKey() == chatKey && msg.Status == models.MessageStatusUnread {
			count++
		}
	}
	return count
}

func (s *MessageStore) Latest(chatKey string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest models.Message
	found := false
	for _, msg := range s.messages {
		if msg.ChatKey() != chatKey {
			continue
		}
		if !found || msg.Timestamp.After(latest.Timestamp) {
			latest = msg.Clone()
			found = true
		}
	}
	return latest, found
}

// WithInboxRefs lists messages still holding a transport inbox entry, used
// by deletion cleanup to reclaim entries kept alive for attachments.
func (s *MessageStore) WithInboxRefs(chatKey string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.ChatKey() == chatKey && msg.InboxItemID != "" {
			out = append(out, msg.Clone())
		}
	}
	sortByTimestamp(out)
	return out
}

// Expired lists messages past their auto-delete deadline at now.
func (s *MessageStore) Expired(now time.Time) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range s.messages {
		deadline := msg.ExpiresAt()
		if !deadline.IsZero() && !deadline.After(now) {
			out = append(out, msg.Clone())
		}
	}
	sortByTimestamp(out)
	return out
}

func (s *MessageStore) load() error {
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil
	}
	plaintext, err := securestore.ReadDecryptedFile(s.path, s.secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if errors.Is(err, securestore.ErrLegacyData) {
			return s.migrateLegacyMessages()
		}
		return err
	}
	var snapshot persistedMessages
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return err
	}
	if snapshot.Version != messageSchemaVersion {
		return errLegacySnapshot
	}
	if snapshot.Messages != nil {
		s.messages = snapshot.Messages
	}
	return nil
}

func (s *MessageStore) persistSnapshotLocked(messages map[string]models.Message) error {
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.secret, persistedMessages{
		Version:  messageSchemaVersion,
		Messages: messages,
	})
}

func cloneMessagesMap(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortByTimestamp(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ChatMessageID < msgs[j].ChatMessageID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

func messagesEqual(a, b models.Message) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
