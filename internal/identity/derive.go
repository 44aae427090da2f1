package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning = "mailchat/identity/signing/v1"
	hkdfInfoStorage = "mailchat/storage/secret/v1"
)

// DeriveKeys expands the bip39 seed into the signing keypair and the local
// storage passphrase. The hkdf info strings are part of the on-disk contract:
// changing either orphans every existing data directory.
func DeriveKeys(seedBytes []byte) (DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return DerivedKeys{}, err
	}
	storageSeed, err := hkdfExpand(seedBytes, hkdfInfoStorage, 32)
	if err != nil {
		return DerivedKeys{}, err
	}

	priv := ed25519.NewKeyFromSeed(signingSeed)
	return DerivedKeys{
		SigningPrivateKey: priv,
		SigningPublicKey:  priv.Public().(ed25519.PublicKey),
		StorageSecret:     base58.Encode(storageSeed),
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
