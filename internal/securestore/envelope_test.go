package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte(`{"chats":{}}`)
	sealed, err := Encrypt("passphrase", plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	opened, err := Decrypt("passphrase", sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	sealed, err := Encrypt("right", []byte("data"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("wrong", sealed); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptLegacyPlaintext(t *testing.T) {
	if _, err := Decrypt("secret", []byte(`{"chats":{}}`)); !errors.Is(err, ErrLegacyData) {
		t.Fatalf("expected ErrLegacyData, got %v", err)
	}
}

func TestWriteEncryptedJSONAtomicRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "chats.enc")
	if err := WriteEncryptedJSON(path, "secret", map[string]int{"v": 1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := ReadDecryptedFile(path, "secret")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected payload %q", data)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot file, found %d entries", len(entries))
	}
}
