package storage

import (
	"encoding/json"
	"errors"
	"io/fs"
	"sync"
	"time"

	"mailchat/go-engine/internal/securestore"
)

const watermarkSchemaVersion = 1

type persistedWatermark struct {
	Version        int   `json:"version"`
	LastReceivedMs int64 `json:"last_received_ms"`
}

// WatermarkStore persists the resumption checkpoint: the latest transport
// delivery timestamp known to have been fully processed.
type WatermarkStore struct {
	mu     sync.Mutex
	path   string
	secret string
}

func NewWatermarkStore(path, secret string) *WatermarkStore {
	return &WatermarkStore{path: path, secret: secret}
}

func (s *WatermarkStore) Load() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return time.Time{}, nil
	}
	plaintext, err := securestore.ReadDecryptedFile(s.path, s.secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	var snapshot persistedWatermark
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return time.Time{}, err
	}
	if snapshot.Version != watermarkSchemaVersion || snapshot.LastReceivedMs <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(snapshot.LastReceivedMs).UTC(), nil
}

func (s *WatermarkStore) Store(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !securestore.IsStorageConfigured(s.path, s.secret) {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.secret, persistedWatermark{
		Version:        watermarkSchemaVersion,
		LastReceivedMs: ts.UnixMilli(),
	})
}
