package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"mailchat/go-engine/internal/securestore"
	"mailchat/go-engine/pkg/models"
)

const profileSchemaVersion = 1

type persistedProfile struct {
	Version        int    `json:"version"`
	Address        string `json:"address"`
	DisplayName    string `json:"display_name"`
	CreatedMs      int64  `json:"created_ms"`
	SealedMnemonic []byte `json:"sealed_mnemonic"`
}

// Manager owns the stored profile and its recovery mnemonic. The mnemonic is
// kept on disk sealed under the login password; unlock decrypts it, derives
// the key material and hands the storage secret to the snapshot stores.
// Failed password attempts back off exponentially.
type Manager struct {
	path string
	now  func() time.Time

	mu             sync.Mutex
	profile        *Profile
	sealed         []byte
	failedAttempts int
	lockedUntil    time.Time
}

func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

func newManagerWithClock(path string, now func() time.Time) *Manager {
	return &Manager{path: path, now: now}
}

// Load reads the stored profile if one exists. A missing file is not an
// error; the engine then runs enrollment before anything else.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == "" {
		return nil
	}
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot persistedProfile
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("profile file corrupted: %w", err)
	}
	if snapshot.Version != profileSchemaVersion {
		return fmt.Errorf("unsupported profile version %d", snapshot.Version)
	}
	m.profile = &Profile{
		Address:     snapshot.Address,
		DisplayName: snapshot.DisplayName,
		CreatedAt:   time.UnixMilli(snapshot.CreatedMs).UTC(),
	}
	m.sealed = snapshot.SealedMnemonic
	return nil
}

// Profile returns the stored profile, if any.
func (m *Manager) Profile() (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile == nil {
		return Profile{}, false
	}
	return *m.profile, true
}

// Create enrolls a fresh profile with a newly generated 24-word mnemonic.
// The mnemonic is returned exactly once for the user to write down.
func (m *Manager) Create(address, displayName, password string) (string, DerivedKeys, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", DerivedKeys{}, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", DerivedKeys{}, err
	}
	keys, err := m.Import(address, displayName, mnemonic, password)
	if err != nil {
		return "", DerivedKeys{}, err
	}
	return mnemonic, keys, nil
}

// Import enrolls a profile from an existing recovery mnemonic.
func (m *Manager) Import(address, displayName, mnemonic, password string) (DerivedKeys, error) {
	caddr := models.CanonicalAddress(address)
	if caddr == "" || !strings.Contains(caddr, "@") {
		return DerivedKeys{}, ErrAddressRequired
	}
	if strings.TrimSpace(password) == "" {
		return DerivedKeys{}, ErrPasswordRequired
	}
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return DerivedKeys{}, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return DerivedKeys{}, ErrInvalidMnemonic
	}

	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return DerivedKeys{}, err
	}
	sealed, err := securestore.Encrypt(password, []byte(mnemonic))
	if err != nil {
		return DerivedKeys{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile != nil {
		return DerivedKeys{}, ErrProfileExists
	}
	profile := Profile{
		Address:     caddr,
		DisplayName: strings.TrimSpace(displayName),
		CreatedAt:   m.now().UTC(),
	}
	if err := m.persistLocked(profile, sealed); err != nil {
		return DerivedKeys{}, err
	}
	m.profile = &profile
	m.sealed = sealed
	m.resetAttemptsLocked()
	return keys, nil
}

// Unlock decrypts the sealed mnemonic and re-derives the key material.
func (m *Manager) Unlock(password string) (Profile, DerivedKeys, error) {
	if strings.TrimSpace(password) == "" {
		return Profile{}, DerivedKeys{}, ErrPasswordRequired
	}
	mnemonic, profile, err := m.openSealed(password)
	if err != nil {
		return Profile{}, DerivedKeys{}, err
	}
	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return Profile{}, DerivedKeys{}, err
	}
	return profile, keys, nil
}

// ExportMnemonic reveals the recovery mnemonic for backup.
func (m *Manager) ExportMnemonic(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}
	mnemonic, _, err := m.openSealed(password)
	return mnemonic, err
}

// ChangePassword re-seals the mnemonic under a new password.
func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	if strings.TrimSpace(oldPassword) == "" || strings.TrimSpace(newPassword) == "" {
		return ErrPasswordRequired
	}
	mnemonic, profile, err := m.openSealed(oldPassword)
	if err != nil {
		return err
	}
	sealed, err := securestore.Encrypt(newPassword, []byte(mnemonic))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(profile, sealed); err != nil {
		return err
	}
	m.sealed = sealed
	return nil
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

func (m *Manager) openSealed(password string) (string, Profile, error) {
	m.mu.Lock()
	if m.profile == nil {
		m.mu.Unlock()
		return "", Profile{}, ErrProfileMissing
	}
	if !m.lockedUntil.IsZero() && m.now().Before(m.lockedUntil) {
		m.mu.Unlock()
		return "", Profile{}, ErrProfileLocked
	}
	sealed := m.sealed
	profile := *m.profile
	m.mu.Unlock()

	plaintext, err := securestore.Decrypt(password, sealed)
	if err != nil {
		m.mu.Lock()
		m.failedAttempts++
		m.lockedUntil = m.now().Add(attemptBackoff(m.failedAttempts))
		m.mu.Unlock()
		return "", Profile{}, ErrInvalidPassword
	}
	mnemonic := strings.TrimSpace(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", Profile{}, fmt.Errorf("%w: sealed mnemonic corrupted", ErrInvalidMnemonic)
	}
	m.mu.Lock()
	m.resetAttemptsLocked()
	m.mu.Unlock()
	return mnemonic, profile, nil
}

func (m *Manager) persistLocked(profile Profile, sealed []byte) error {
	if m.path == "" {
		return nil
	}
	raw, err := json.Marshal(persistedProfile{
		Version:        profileSchemaVersion,
		Address:        profile.Address,
		DisplayName:    profile.DisplayName,
		CreatedMs:      profile.CreatedAt.UnixMilli(),
		SealedMnemonic: sealed,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *Manager) resetAttemptsLocked() {
	m.failedAttempts = 0
	m.lockedUntil = time.Time{}
}

// 1s, 2s, 4s... capped at 32s.
func attemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
