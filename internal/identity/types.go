package identity

import (
	"crypto/ed25519"
	"errors"
	"time"
)

var (
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrPasswordRequired = errors.New("password is required")
	ErrAddressRequired  = errors.New("profile address is required")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrProfileMissing   = errors.New("no profile is stored")
	ErrProfileExists    = errors.New("a profile is already stored")
	ErrProfileLocked    = errors.New("password attempts are temporarily locked")
)

// Profile is the local account: the mail-style address this engine sends and
// receives as, plus presentation fields. Keys are never stored; they are
// re-derived from the recovery mnemonic on unlock.
type Profile struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// DerivedKeys is everything derived from the recovery seed. StorageSecret is
// the passphrase every local snapshot store is encrypted with, so recovering
// the mnemonic on a new device also re-opens a restored data directory.
type DerivedKeys struct {
	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey
	StorageSecret     string
}
