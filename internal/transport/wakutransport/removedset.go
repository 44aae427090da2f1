package wakutransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"mailchat/go-engine/internal/securestore"
)

const (
	removedSchemaVersion = 1
	removedRetainMax     = 4096
)

type persistedRemoved struct {
	Version int      `json:"version"`
	IDs     []string `json:"ids"`
}

// removedSet is the persisted tombstone list for inbox items the engine has
// already consumed. Relay history cannot be mutated, so removal is local.
type removedSet struct {
	mu     sync.Mutex
	path   string
	secret string
	ids    map[string]struct{}
	order  []string
}

func newRemovedSet(path, secret string) (*removedSet, error) {
	s := &removedSet{
		path:   path,
		secret: secret,
		ids:    make(map[string]struct{}),
	}
	if !securestore.IsStorageConfigured(path, secret) {
		return s, nil
	}
	plain, err := securestore.ReadDecryptedFile(path, secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read removed inbox ids: %w", err)
	}
	var snapshot persistedRemoved
	if err := json.Unmarshal(plain, &snapshot); err != nil {
		return nil, fmt.Errorf("decode removed inbox ids: %w", err)
	}
	if snapshot.Version != removedSchemaVersion {
		return nil, fmt.Errorf("unsupported removed inbox ids version %d", snapshot.Version)
	}
	for _, id := range snapshot.IDs {
		if _, ok := s.ids[id]; ok {
			continue
		}
		s.ids[id] = struct{}{}
		s.order = append(s.order, id)
	}
	return s, nil
}

func (s *removedSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *removedSet) Add(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return nil
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > removedRetainMax {
		drop := s.order[:len(s.order)-removedRetainMax]
		s.order = append([]string(nil), s.order[len(s.order)-removedRetainMax:]...)
		for _, old := range drop {
			delete(s.ids, old)
		}
	}
	return s.persistLocked()
}

func (s *removedSet) persistLocked() error {
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil
	}
	snapshot := persistedRemoved{Version: removedSchemaVersion, IDs: append([]string(nil), s.order...)}
	if err := securestore.WriteEncryptedJSON(s.path, s.secret, snapshot); err != nil {
		return fmt.Errorf("persist removed inbox ids: %w", err)
	}
	return nil
}
