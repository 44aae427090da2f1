package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/securestore"
	"mailchat/go-engine/pkg/models"
)

// Duplicate and not-found signals wrap the caller-facing faults so that users
// of the port can errors.Is against contracts without knowing this package.
var (
	ErrDuplicateChatKey  = fmt.Errorf("chat key conflict: %w", contracts.ErrChatAlreadyExists)
	ErrDuplicateChatName = fmt.Errorf("chat name conflict: %w", contracts.ErrDuplicateChatName)
	ErrChatMissing       = fmt.Errorf("chat record missing: %w", contracts.ErrChatNotFound)
)

const chatSchemaVersion = 1

type persistedChats struct {
	Version int                    `json:"version"`
	Chats   map[string]models.Chat `json:"chats"`
}

// ChatStore is the durable chat repository: an in-memory map snapshotted to
// one encrypted file. Mutations clone, persist, then swap, so a failed write
// never leaves memory ahead of disk. Records cross the boundary as deep
// copies; callers and mutate functions never alias stored slices.
type ChatStore struct {
	mu     sync.RWMutex
	chats  map[string]models.Chat
	path   string
	secret string
}

func NewChatStore(path, secret string) (*ChatStore, error) {
	s := &ChatStore{
		chats:  make(map[string]models.Chat),
		path:   path,
		secret: secret,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChatStore) Find(key string) (models.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[strings.TrimSpace(key)]
	return chat.Clone(), ok
}

// Add inserts a new chat. Key and display-name collisions are reported as
// distinct duplicate signals; group names must be unique among group chats.
func (s *ChatStore) Add(chat models.Chat) error {
	if err := models.ValidateChat(chat); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chat.Key()
	if _, exists := s.chats[key]; exists {
		return ErrDuplicateChatKey
	}
	if chat.IsGroup && chat.Name != "" {
		for _, existing := range s.chats {
			if existing.IsGroup && existing.Name == chat.Name {
				return ErrDuplicateChatName
			}
		}
	}
	next := cloneChatsMap(s.chats)
	next[key] = chat.Clone()
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.chats = next
	return nil
}

// Update applies mutate to a copy of the stored record and persists the
// result. The admin-subset invariant is re-checked on every mutation, and a
// mutate or persist failure leaves the stored record untouched.
func (s *ChatStore) Update(key string, mutate func(models.Chat) (models.Chat, error)) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[strings.TrimSpace(key)]
	if !ok {
		return models.Chat{}, ErrChatMissing
	}
	updated, err := mutate(chat.Clone())
	if err != nil {
		return models.Chat{}, err
	}
	if updated.Key() != chat.Key() {
		return models.Chat{}, ErrDuplicateChatKey
	}
	if err := models.ValidateChat(updated); err != nil {
		return models.Chat{}, err
	}
	next := cloneChatsMap(s.chats)
	next[key] = updated.Clone()
	if err := s.persistSnapshotLocked(next); err != nil {
		return models.Chat{}, err
	}
	s.chats = next
	return updated, nil
}

// Delete removes the chat record. Deletion is hard; there is no tombstone.
func (s *ChatStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[key]; !ok {
		return ErrChatMissing
	}
	next := cloneChatsMap(s.chats)
	delete(next, key)
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.chats = next
	return nil
}

func (s *ChatStore) List() []models.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		out = append(out, chat.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})
	return out
}

func (s *ChatStore) load() error {
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil
	}
	plaintext, err := securestore.ReadDecryptedFile(s.path, s.secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if errors.Is(err, securestore.ErrLegacyData) {
			return s.migrateLegacyChats()
		}
		return err
	}
	snapshot, err := decodeChatSnapshot(plaintext)
	if err != nil {
		return err
	}
	s.chats = snapshot
	return nil
}

func (s *ChatStore) persistSnapshotLocked(chats map[string]models.Chat) error {
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.secret, persistedChats{
		Version: chatSchemaVersion,
		Chats:   chats,
	})
}

func cloneChatsMap(in map[string]models.Chat) map[string]models.Chat {
	out := make(map[string]models.Chat, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
